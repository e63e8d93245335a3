package secure

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Handshake message type IDs. Wire format per message:
// [type (varint)] [length (uint16 big-endian)] [payload].
const (
	msgClientHello uint64 = 0x01
	msgServerHello uint64 = 0x02
	msgCertificate uint64 = 0x03
	msgCertVerify  uint64 = 0x04
	msgFinished    uint64 = 0x05
)

const helloRandomLen = 32

// Transcript signature context labels, distinct per side so a signature
// can never be reflected back.
const (
	sigContextInitiator = "specto v1 certificate verify initiator"
	sigContextResponder = "specto v1 certificate verify responder"
)

// ParseError reports a malformed handshake message field.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("secure: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// handshake holds in-progress handshake state, discarded once established.
type handshake struct {
	role Role

	priv        *ecdh.PrivateKey
	localRandom []byte
	peerRandom  []byte

	transcript hash.Hash

	master       []byte
	finishedSend []byte // our finished HMAC key
	finishedRecv []byte // peer's finished HMAC key

	peerCert *x509.Certificate

	// stage counts peer messages processed, enforcing strict ordering:
	// a missing certificate or a reordered flight fails immediately.
	stage int
}

func (h *handshake) zeroize() {
	zero(h.master)
	zero(h.finishedSend)
	zero(h.finishedRecv)
	h.priv = nil
}

// BeginHandshake moves the session out of Idle. The initiator returns its
// first flight (a client hello); the responder returns nil and waits for
// DriveHandshake to be fed the peer's bytes.
func (s *Session) BeginHandshake(role Role) ([]byte, error) {
	if s.state != StateIdle {
		return nil, fmt.Errorf("%w: handshake already begun in state %s", ErrHandshakeState, s.state)
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("secure: generate ephemeral key: %w", err)
	}
	random := make([]byte, helloRandomLen)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("secure: generate hello random: %w", err)
	}

	s.role = role
	s.hs = &handshake{
		role:        role,
		priv:        priv,
		localRandom: random,
		transcript:  sha256.New(),
	}
	s.state = StateHandshakeStarted

	if role != RoleInitiator {
		return nil, nil
	}

	hello := frameMsg(msgClientHello, helloPayload(random, priv.PublicKey().Bytes()))
	s.hs.transcript.Write(hello)
	return hello, nil
}

// DriveHandshake consumes one flight of peer handshake bytes and returns
// the next outgoing flight, if any, plus whether the session is now
// established. Any verification failure wraps ErrAuthFailure and is fatal.
func (s *Session) DriveHandshake(incoming []byte) (outgoing []byte, established bool, err error) {
	if s.state != StateHandshakeStarted && s.state != StateKeysNegotiated {
		return nil, false, fmt.Errorf("%w: drive in state %s", ErrHandshakeState, s.state)
	}

	r := bytes.NewReader(incoming)
	for r.Len() > 0 {
		msgType, raw, payload, err := readMsg(r)
		if err != nil {
			return nil, false, err
		}
		out, err := s.handleMsg(msgType, raw, payload)
		if err != nil {
			return nil, false, err
		}
		outgoing = append(outgoing, out...)
	}
	return outgoing, s.state == StateEstablished, nil
}

// handleMsg dispatches one peer message against the strict expected order
// for this role and stage.
func (s *Session) handleMsg(msgType uint64, raw, payload []byte) ([]byte, error) {
	h := s.hs
	order := []uint64{msgClientHello, msgCertificate, msgCertVerify, msgFinished}
	if s.role == RoleInitiator {
		order[0] = msgServerHello
	}
	if h.stage >= len(order) || msgType != order[h.stage] {
		return nil, fmt.Errorf("%w: message %#x at stage %d", ErrHandshakeState, msgType, h.stage)
	}
	h.stage++

	switch msgType {
	case msgClientHello, msgServerHello:
		return s.handleHello(raw, payload)

	case msgCertificate:
		cert, err := s.verifyPeerChain(payload)
		if err != nil {
			return nil, err
		}
		h.peerCert = cert
		h.transcript.Write(raw)
		return nil, nil

	case msgCertVerify:
		// The signature covers the transcript before this message.
		digest := h.transcript.Sum(nil)
		if err := s.verifyPeerSignature(payload, digest); err != nil {
			return nil, err
		}
		h.transcript.Write(raw)
		return nil, nil

	case msgFinished:
		digest := h.transcript.Sum(nil)
		want := hmac.New(sha256.New, h.finishedRecv)
		want.Write(digest)
		if !hmac.Equal(payload, want.Sum(nil)) {
			return nil, fmt.Errorf("%w: finished verification failed", ErrAuthFailure)
		}
		h.transcript.Write(raw)

		if s.role == RoleInitiator {
			// Server is authenticated; answer with our own credentials.
			// The flight is sealed after establishment, so leave the
			// handshake record path open until it has gone out.
			flight, err := s.credentialFlight()
			if err != nil {
				return nil, err
			}
			if err := s.establish(); err != nil {
				return nil, err
			}
			s.pendingFlight = true
			return flight, nil
		}
		// Responder: the initiator's credentials checked out.
		return nil, s.establish()
	}
	return nil, fmt.Errorf("%w: message %#x", ErrHandshakeState, msgType)
}

// handleHello processes the peer's hello, derives the shared secrets, and,
// on the responder, emits the server flight.
func (s *Session) handleHello(raw, payload []byte) ([]byte, error) {
	h := s.hs
	if len(payload) != helloRandomLen+32 {
		return nil, &ParseError{Field: "hello", Err: fmt.Errorf("%d bytes", len(payload))}
	}
	h.peerRandom = append([]byte(nil), payload[:helloRandomLen]...)
	peerPub, err := ecdh.X25519().NewPublicKey(payload[helloRandomLen:])
	if err != nil {
		return nil, &ParseError{Field: "hello public key", Err: err}
	}
	h.transcript.Write(raw)

	if s.role == RoleInitiator {
		// ServerHello: we sent our hello first, so derive now.
		shared, err := h.priv.ECDH(peerPub)
		if err != nil {
			return nil, fmt.Errorf("secure: key agreement: %w", err)
		}
		s.deriveSecrets(shared, h.localRandom, h.peerRandom)
		zero(shared)
		return nil, nil
	}

	// ClientHello: send our hello, then derive, then our credentials.
	hello := frameMsg(msgServerHello, helloPayload(h.localRandom, h.priv.PublicKey().Bytes()))
	h.transcript.Write(hello)

	shared, err := h.priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("secure: key agreement: %w", err)
	}
	s.deriveSecrets(shared, h.peerRandom, h.localRandom)
	zero(shared)

	flight, err := s.credentialFlight()
	if err != nil {
		return nil, err
	}
	return append(hello, flight...), nil
}

// deriveSecrets installs the master secret and finished keys once both
// hellos are on the wire. Randoms are ordered initiator-first.
func (s *Session) deriveSecrets(shared, initiatorRandom, responderRandom []byte) {
	h := s.hs
	h.master = masterSecret(shared, initiatorRandom, responderRandom)
	if s.role == RoleInitiator {
		h.finishedSend = expand(h.master, labelFinishedInit, secretLen)
		h.finishedRecv = expand(h.master, labelFinishedResp, secretLen)
	} else {
		h.finishedSend = expand(h.master, labelFinishedResp, secretLen)
		h.finishedRecv = expand(h.master, labelFinishedInit, secretLen)
	}
	s.state = StateKeysNegotiated
}

// credentialFlight builds Certificate + CertificateVerify + Finished for
// this side, appending each to the transcript as it goes.
func (s *Session) credentialFlight() ([]byte, error) {
	h := s.hs

	certMsg := frameMsg(msgCertificate, chainPayload(s.cfg.Certificate.Certificate))
	h.transcript.Write(certMsg)

	digest := h.transcript.Sum(nil)
	sig, err := s.signTranscript(digest)
	if err != nil {
		return nil, err
	}
	verifyMsg := frameMsg(msgCertVerify, sig)
	h.transcript.Write(verifyMsg)

	digest = h.transcript.Sum(nil)
	mac := hmac.New(sha256.New, h.finishedSend)
	mac.Write(digest)
	finMsg := frameMsg(msgFinished, mac.Sum(nil))
	h.transcript.Write(finMsg)

	out := make([]byte, 0, len(certMsg)+len(verifyMsg)+len(finMsg))
	out = append(out, certMsg...)
	out = append(out, verifyMsg...)
	return append(out, finMsg...), nil
}

// establish installs the traffic keys, records the peer identity, and
// destroys all handshake secrets.
func (s *Session) establish() error {
	h := s.hs
	trafficInit := expand(h.master, labelTrafficInit, secretLen)
	trafficResp := expand(h.master, labelTrafficResp, secretLen)
	sendSecret, recvSecret := trafficInit, trafficResp
	if s.role == RoleResponder {
		sendSecret, recvSecret = trafficResp, trafficInit
	}
	if err := s.send.init(sendSecret); err != nil {
		return err
	}
	if err := s.recv.init(recvSecret); err != nil {
		return err
	}
	s.peerIdentity = h.peerCert.Subject.CommonName
	h.zeroize()
	s.hs = nil
	s.state = StateEstablished
	return nil
}

// signTranscript signs the handshake transcript digest with the leaf key.
func (s *Session) signTranscript(digest []byte) ([]byte, error) {
	key, ok := s.cfg.Certificate.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("secure: leaf key is %T, want *ecdsa.PrivateKey", s.cfg.Certificate.PrivateKey)
	}
	ctx := sigContextInitiator
	if s.role == RoleResponder {
		ctx = sigContextResponder
	}
	sum := sha256.Sum256(append([]byte(ctx), digest...))
	sig, err := ecdsa.SignASN1(rand.Reader, key, sum[:])
	if err != nil {
		return nil, fmt.Errorf("secure: sign transcript: %w", err)
	}
	return sig, nil
}

// verifyPeerSignature checks the peer's transcript signature under the
// peer's already-verified leaf certificate.
func (s *Session) verifyPeerSignature(sig, digest []byte) error {
	pub, ok := s.hs.peerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: peer certificate key is %T", ErrAuthFailure, s.hs.peerCert.PublicKey)
	}
	ctx := sigContextResponder // the peer signed with its own context
	if s.role == RoleResponder {
		ctx = sigContextInitiator
	}
	sum := sha256.Sum256(append([]byte(ctx), digest...))
	if !ecdsa.VerifyASN1(pub, sum[:], sig) {
		return fmt.Errorf("%w: transcript signature invalid", ErrAuthFailure)
	}
	return nil
}

// verifyPeerChain parses the certificate payload and verifies the chain
// against the configured trust anchors. An empty chain is rejected: no
// anonymous peer, in either role.
func (s *Session) verifyPeerChain(payload []byte) (*x509.Certificate, error) {
	r := bytes.NewReader(payload)
	count, err := quicvarint.Read(r)
	if err != nil {
		return nil, &ParseError{Field: "certificate count", Err: err}
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: peer presented no certificate", ErrAuthFailure)
	}

	var leaf *x509.Certificate
	intermediates := x509.NewCertPool()
	for i := uint64(0); i < count; i++ {
		der, err := readLengthPrefixed(r)
		if err != nil {
			return nil, &ParseError{Field: "certificate", Err: err}
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed peer certificate: %v", ErrAuthFailure, err)
		}
		if i == 0 {
			leaf = cert
		} else {
			intermediates.AddCert(cert)
		}
	}

	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         s.cfg.TrustAnchors,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: peer chain rejected: %v", ErrAuthFailure, err)
	}
	return leaf, nil
}

// Wire helpers.

func helloPayload(random, pub []byte) []byte {
	out := make([]byte, 0, len(random)+len(pub))
	out = append(out, random...)
	return append(out, pub...)
}

func chainPayload(chain [][]byte) []byte {
	var out []byte
	out = quicvarint.Append(out, uint64(len(chain)))
	for _, der := range chain {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(der)))
		out = append(out, l[:]...)
		out = append(out, der...)
	}
	return out
}

func frameMsg(msgType uint64, payload []byte) []byte {
	var out []byte
	out = quicvarint.Append(out, msgType)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(payload)))
	out = append(out, l[:]...)
	return append(out, payload...)
}

// readMsg parses one framed message, returning its type, the raw framed
// bytes (for the transcript), and the payload.
func readMsg(r *bytes.Reader) (uint64, []byte, []byte, error) {
	start := r.Len()
	msgType, err := quicvarint.Read(r)
	if err != nil {
		return 0, nil, nil, &ParseError{Field: "message type", Err: err}
	}
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return 0, nil, nil, &ParseError{Field: "message length", Err: err}
	}
	n := int(binary.BigEndian.Uint16(l[:]))
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, nil, &ParseError{Field: "message payload", Err: err}
	}

	// Reconstruct the framed bytes: varint(type) + length + payload.
	frameLen := start - r.Len()
	raw := make([]byte, 0, frameLen)
	raw = quicvarint.Append(raw, msgType)
	raw = append(raw, l[:]...)
	raw = append(raw, payload...)
	return msgType, raw, payload, nil
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	out := make([]byte, binary.BigEndian.Uint16(l[:]))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
