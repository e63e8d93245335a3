// Package certs loads and generates the ECDSA P-256 certificates the
// secure session authenticates with: a trust-anchor certificate shared by
// both peers and a per-device leaf issued under it. Generation exists for
// development and tests; production deployments load files produced by
// external CA tooling.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

// Authority is a self-signed CA able to issue device leaves.
type Authority struct {
	Cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// Identity is one device's leaf certificate and key, ready for the secure
// session config.
type Identity struct {
	TLSCert     tls.Certificate
	Leaf        *x509.Certificate
	Fingerprint [32]byte
}

// FingerprintBase64 returns the leaf's SHA-256 fingerprint as base64.
func (id *Identity) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(id.Fingerprint[:])
}

// NewAuthority creates a self-signed CA valid for the given duration.
func NewAuthority(name string, validity time.Duration) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate authority key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-1 * time.Minute), // slight backdate for clock skew
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create authority certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse authority certificate: %w", err)
	}
	return &Authority{Cert: cert, key: key}, nil
}

// Issue creates a device leaf under the authority. The common name is the
// peer identity the remote side will see after the handshake.
func (a *Authority) Issue(commonName string, validity time.Duration) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-1 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.Cert, &key.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("create leaf certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}

	return &Identity{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		},
		Leaf:        leaf,
		Fingerprint: sha256.Sum256(der),
	}, nil
}

// Pool returns a cert pool containing only this authority, for use as the
// session's trust anchors.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

// LoadIdentity reads a PEM certificate/key pair from disk.
func LoadIdentity(certFile, keyFile string) (*Identity, error) {
	tlsCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", certFile, err)
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse identity leaf: %w", err)
	}
	return &Identity{
		TLSCert:     tlsCert,
		Leaf:        leaf,
		Fingerprint: sha256.Sum256(tlsCert.Certificate[0]),
	}, nil
}

// LoadTrustAnchors reads one or more PEM certificates from a file into a
// pool for the session's chain verification.
func LoadTrustAnchors(file string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read trust anchors %s: %w", file, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in %s", file)
	}
	return pool, nil
}

// WriteAnchorPEM stores the authority certificate as a PEM trust-anchor
// file both peers can load.
func (a *Authority) WriteAnchorPEM(file string) error {
	out := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Cert.Raw})
	if err := os.WriteFile(file, out, 0o644); err != nil {
		return fmt.Errorf("write trust anchor: %w", err)
	}
	return nil
}

// WritePEM stores the identity's certificate and key as PEM files.
func (id *Identity) WritePEM(certFile, keyFile string) error {
	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.TLSCert.Certificate[0]})
	if err := os.WriteFile(certFile, certOut, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(id.TLSCert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	keyOut := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyOut, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
