package secure

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voralis/specto/certs"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newPair builds two sessions sharing a trust anchor, with cfg tweaks
// applied to both before construction.
func newPair(t *testing.T, tweak func(*Config)) (*Session, *Session) {
	t.Helper()

	ca, err := certs.NewAuthority("test-anchor", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	camID, err := ca.Issue("camera-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue camera: %v", err)
	}
	viewID, err := ca.Issue("viewer-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue viewer: %v", err)
	}

	camCfg := Config{Certificate: camID.TLSCert, TrustAnchors: ca.Pool()}
	viewCfg := Config{Certificate: viewID.TLSCert, TrustAnchors: ca.Pool()}
	if tweak != nil {
		tweak(&camCfg)
		tweak(&viewCfg)
	}

	cam, err := NewSession(camCfg)
	if err != nil {
		t.Fatalf("NewSession camera: %v", err)
	}
	view, err := NewSession(viewCfg)
	if err != nil {
		t.Fatalf("NewSession viewer: %v", err)
	}
	return cam, view
}

// establish runs the full handshake between initiator a and responder b.
func establish(t *testing.T, a, b *Session) {
	t.Helper()

	f1, err := a.BeginHandshake(RoleInitiator)
	if err != nil {
		t.Fatalf("BeginHandshake initiator: %v", err)
	}
	if _, err := b.BeginHandshake(RoleResponder); err != nil {
		t.Fatalf("BeginHandshake responder: %v", err)
	}

	f2, done, err := b.DriveHandshake(f1)
	if err != nil {
		t.Fatalf("responder flight 1: %v", err)
	}
	if done {
		t.Fatal("responder established before client credentials")
	}

	f3, done, err := a.DriveHandshake(f2)
	if err != nil {
		t.Fatalf("initiator flight 2: %v", err)
	}
	if !done {
		t.Fatal("initiator not established after server flight")
	}

	if _, done, err = b.DriveHandshake(f3); err != nil {
		t.Fatalf("responder flight 3: %v", err)
	}
	if !done {
		t.Fatal("responder not established after client credentials")
	}
}

func TestMutualHandshake(t *testing.T) {
	t.Parallel()

	cam, view := newPair(t, nil)
	establish(t, cam, view)

	if got := cam.State(); got != StateEstablished {
		t.Errorf("initiator state: %s", got)
	}
	if got := view.State(); got != StateEstablished {
		t.Errorf("responder state: %s", got)
	}
	if got := cam.PeerIdentity(); got != "viewer-1" {
		t.Errorf("initiator peer identity: got %q, want viewer-1", got)
	}
	if got := view.PeerIdentity(); got != "camera-1" {
		t.Errorf("responder peer identity: got %q, want camera-1", got)
	}
}

func TestUntrustedPeerRejected(t *testing.T) {
	t.Parallel()

	// The responder's certificate roots in a different authority.
	goodCA, _ := certs.NewAuthority("anchor-a", time.Hour)
	rogueCA, _ := certs.NewAuthority("anchor-b", time.Hour)
	camID, _ := goodCA.Issue("camera-1", time.Hour)
	rogueID, _ := rogueCA.Issue("imposter", time.Hour)

	cam, err := NewSession(Config{Certificate: camID.TLSCert, TrustAnchors: goodCA.Pool()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	imposter, err := NewSession(Config{Certificate: rogueID.TLSCert, TrustAnchors: rogueCA.Pool()})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	f1, _ := cam.BeginHandshake(RoleInitiator)
	imposter.BeginHandshake(RoleResponder)
	f2, _, err := imposter.DriveHandshake(f1)
	if err != nil {
		t.Fatalf("imposter flight: %v", err)
	}

	if _, _, err := cam.DriveHandshake(f2); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("untrusted chain: got %v, want ErrAuthFailure", err)
	}
}

func TestAnonymousInitiatorRejected(t *testing.T) {
	t.Parallel()

	cam, view := newPair(t, nil)

	f1, _ := cam.BeginHandshake(RoleInitiator)
	view.BeginHandshake(RoleResponder)
	f2, _, err := view.DriveHandshake(f1)
	if err != nil {
		t.Fatalf("responder flight: %v", err)
	}
	f3, _, err := cam.DriveHandshake(f2)
	if err != nil {
		t.Fatalf("initiator flight: %v", err)
	}

	// Strip the initiator's Certificate message from the final flight,
	// leaving only CertificateVerify and Finished.
	stripped := f3[skipMsg(t, f3):]
	if _, _, err := view.DriveHandshake(stripped); err == nil {
		t.Fatal("responder accepted a flight without an initiator certificate")
	}
}

func TestTamperedSignatureFatal(t *testing.T) {
	t.Parallel()

	cam, view := newPair(t, nil)

	f1, _ := cam.BeginHandshake(RoleInitiator)
	view.BeginHandshake(RoleResponder)
	f2, _, err := view.DriveHandshake(f1)
	if err != nil {
		t.Fatalf("responder flight: %v", err)
	}

	// Flip a byte in the CertificateVerify signature (third message:
	// ServerHello, Certificate, CertificateVerify, Finished).
	off := skipMsg(t, f2)
	off += skipMsg(t, f2[off:])
	f2[off+5] ^= 0x01

	if _, _, err := cam.DriveHandshake(f2); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("tampered signature: got %v, want ErrAuthFailure", err)
	}
}

// skipMsg returns the framed length of the first handshake message in b:
// varint type (single byte for known types) + 2-byte length + payload.
func skipMsg(t *testing.T, b []byte) int {
	t.Helper()
	if len(b) < 3 {
		t.Fatal("short flight")
	}
	return 3 + int(binary.BigEndian.Uint16(b[1:3]))
}
