// Package secure implements the encrypted session between two peers: a
// mutually authenticated handshake with ephemeral X25519 key exchange,
// a ChaCha20-Poly1305 record layer with strictly increasing per-direction
// counters, and epoch-based key rotation with a bounded grace window.
//
// The handshake is TLS-1.3-shaped but self-contained: hello messages carry
// randoms and ephemeral public keys, both sides present an X.509 chain
// rooted in the configured trust anchor, prove possession of the leaf key
// with a signature over the handshake transcript, and confirm with an HMAC
// finished message. No anonymous initiator is accepted. Authentication and
// integrity failures are fatal to the session: there is no retry and no
// insecure fallback.
package secure

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Role selects which side of the handshake this session plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateHandshakeStarted
	StateKeysNegotiated
	StateEstablished
	StateRotating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshakeStarted:
		return "handshake-started"
	case StateKeysNegotiated:
		return "keys-negotiated"
	case StateEstablished:
		return "established"
	case StateRotating:
		return "rotating"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sentinel errors. ErrAuthFailure and everything wrapping it are terminal:
// the controller tears the session down and never retries on it.
var (
	ErrAuthFailure    = errors.New("secure: authentication failure")
	ErrReplay         = fmt.Errorf("%w: record counter not increasing", ErrAuthFailure)
	ErrEpochExpired   = fmt.Errorf("%w: record epoch outside grace window", ErrAuthFailure)
	ErrNotEstablished = errors.New("secure: session not established")
	ErrClosed         = errors.New("secure: session closed")
	ErrHandshakeState = errors.New("secure: unexpected handshake message")
)

// Defaults for rotation policy. RotateAfter is deliberately far below the
// 64-bit counter space so rotation always happens long before nonce
// exhaustion could.
const (
	DefaultRotateAfter = uint64(1) << 32
	DefaultGraceWindow = 10 * time.Second
)

// Config carries the session's credentials and rotation policy.
type Config struct {
	// Certificate is this peer's leaf certificate and private key. The
	// private key must be an ECDSA key; the session signs the handshake
	// transcript with it.
	Certificate tls.Certificate

	// TrustAnchors verifies the peer's chain. Required.
	TrustAnchors *x509.CertPool

	// RotateAfter is the per-epoch record count that triggers proactive key
	// rotation on the send side. Zero selects DefaultRotateAfter.
	RotateAfter uint64

	// GraceWindow is how long records sealed under the previous receive
	// epoch remain decryptable after a rotation. Zero selects
	// DefaultGraceWindow.
	GraceWindow time.Duration

	// Clock overrides time.Now, for rotation tests.
	Clock func() time.Time
}

// Session is one end of the encrypted channel. It exclusively owns all key
// material; Close zeroizes every secret. Methods are not safe for
// concurrent use except State and PeerIdentity: the controller serializes
// seal on the send goroutine and open on the receive goroutine against a
// shared mutex.
type Session struct {
	cfg   Config
	role  Role
	state State

	hs *handshake

	peerIdentity string // leaf subject CN, set once established

	send directionState
	recv directionState

	// Handshake-type records are plaintext but still counter-checked so a
	// replayed handshake flight is rejected like any other record.
	hsSendCounter uint64
	hsRecvCounter uint64

	// pendingFlight is set when the initiator establishes with its final
	// credential flight still to be sealed: handshake records stay
	// sealable until the first protected record goes out.
	pendingFlight bool

	rotatingUntil time.Time
}

// NewSession validates config and returns an idle session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.TrustAnchors == nil {
		return nil, errors.New("secure: config requires trust anchors")
	}
	if len(cfg.Certificate.Certificate) == 0 || cfg.Certificate.PrivateKey == nil {
		return nil, errors.New("secure: config requires a certificate with private key")
	}
	if cfg.RotateAfter == 0 {
		cfg.RotateAfter = DefaultRotateAfter
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Session{cfg: cfg, state: StateIdle}, nil
}

// State reports the lifecycle position, folding the rotation grace window
// into Rotating.
func (s *Session) State() State {
	if s.state == StateEstablished && s.cfg.Clock().Before(s.rotatingUntil) {
		return StateRotating
	}
	return s.state
}

// PeerIdentity returns the authenticated peer's certificate common name,
// or "" before the handshake completes.
func (s *Session) PeerIdentity() string { return s.peerIdentity }

// Epoch returns the current send epoch.
func (s *Session) Epoch() uint16 { return s.send.epoch }

// Close tears the session down and zeroizes all key material. Safe to call
// more than once.
func (s *Session) Close() {
	s.send.zeroize()
	s.recv.zeroize()
	if s.hs != nil {
		s.hs.zeroize()
		s.hs = nil
	}
	s.state = StateClosed
}
