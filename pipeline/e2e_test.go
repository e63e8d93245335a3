package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voralis/specto/capture"
	"github.com/voralis/specto/capture/testpattern"
	"github.com/voralis/specto/certs"
	"github.com/voralis/specto/codec"
	"github.com/voralis/specto/media"
	"github.com/voralis/specto/secure"
	"github.com/voralis/specto/transport/mem"
)

// seqRenderer records the sequence number of every rendered frame so
// tests can check delivery order.
type seqRenderer struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *seqRenderer) Render(f *media.Frame, _ time.Time) error {
	r.mu.Lock()
	r.seqs = append(r.seqs, f.Sequence)
	r.mu.Unlock()
	return nil
}

func (r *seqRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seqs)
}

func (r *seqRenderer) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seqs...)
}

func sessionConfigs(t *testing.T) (cam, view secure.Config) {
	t.Helper()
	ca, err := certs.NewAuthority("e2e-anchor", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	camID, err := ca.Issue("camera-e2e", time.Hour)
	if err != nil {
		t.Fatalf("Issue camera: %v", err)
	}
	viewID, err := ca.Issue("viewer-e2e", time.Hour)
	if err != nil {
		t.Fatalf("Issue viewer: %v", err)
	}
	cam = secure.Config{Certificate: camID.TLSCert, TrustAnchors: ca.Pool()}
	view = secure.Config{Certificate: viewID.TLSCert, TrustAnchors: ca.Pool()}
	return cam, view
}

// buildCamera assembles the sending side on tr. tweak, when non-nil,
// adjusts the controller config before construction.
func buildCamera(t *testing.T, tr *mem.Conn, sec secure.Config, tweak func(*Config)) *Controller {
	t.Helper()

	pool := media.NewPool(8 << 20)
	src := testpattern.New(pool)
	if err := src.Configure(capture.Config{Format: media.FormatYUYV, Width: 64, Height: 48, FPS: 30}); err != nil {
		t.Fatalf("configure source: %v", err)
	}
	enc := codec.NewEncoder(nil, codec.Settings{
		TargetBitrate: 1_000_000,
		Width:         64,
		Height:        48,
		FrameRate:     30,
		GOPLength:     15,
	}, codec.NewDelta())

	cfg := Config{
		Role:      secure.RoleInitiator,
		Secure:    sec,
		Transport: tr,
		Source:    src,
		Encoder:   enc,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	camera, err := New(cfg)
	if err != nil {
		t.Fatalf("New camera: %v", err)
	}
	return camera
}

// buildViewer assembles the receiving side on tr.
func buildViewer(t *testing.T, tr *mem.Conn, sec secure.Config, tweak func(*Config)) (*Controller, *seqRenderer) {
	t.Helper()

	rend := &seqRenderer{}
	pool := media.NewPool(8 << 20)
	cfg := Config{
		Role:      secure.RoleResponder,
		Secure:    sec,
		Transport: tr,
		Decoder:   codec.NewDecoder(nil, pool, codec.NewDeltaDecoder()),
		Renderer:  rend,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	viewer, err := New(cfg)
	if err != nil {
		t.Fatalf("New viewer: %v", err)
	}
	return viewer, rend
}

func runPair(t *testing.T, ctx context.Context, camera, viewer *Controller) (stop func()) {
	t.Helper()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 2)
	go func() { done <- camera.Run(runCtx) }()
	go func() { done <- viewer.Run(runCtx) }()

	return func() {
		cancel()
		for i := 0; i < 2; i++ {
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("controller did not shut down")
			}
		}
	}
}

func TestStreamEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("streams for several seconds")
	}

	a, b := mem.Pair(0)
	defer a.Close()
	defer b.Close()

	camSec, viewSec := sessionConfigs(t)
	camera := buildCamera(t, a, camSec, func(c *Config) {
		br := DefaultBitrateConfig()
		br.Start = 2_000_000
		br.Max = 2_000_000
		c.Bitrate = br
	})
	viewer, rend := buildViewer(t, b, viewSec, nil)
	stop := runPair(t, context.Background(), camera, viewer)

	const wantFrames = 90
	deadline := time.Now().Add(30 * time.Second)
	for rend.count() < wantFrames {
		if time.Now().After(deadline) {
			t.Fatalf("rendered %d frames, want %d; camera=%+v viewer=%+v",
				rend.count(), wantFrames, camera.Stats(), viewer.Stats())
		}
		time.Sleep(50 * time.Millisecond)
	}
	stop()

	// Every one of the first 90 frames arrives, in original order.
	seqs := rend.snapshot()
	for i := 0; i < wantFrames; i++ {
		if seqs[i] != uint64(i) {
			t.Fatalf("render %d: sequence %d, want %d", i, seqs[i], i)
		}
	}
	for i := wantFrames; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("out-of-order render: seqs[%d]=%d after %d", i, seqs[i], seqs[i-1])
		}
	}

	camStats, viewStats := camera.Stats(), viewer.Stats()
	if camStats.UnitsEncoded < wantFrames {
		t.Errorf("camera encoded %d units, want >= %d", camStats.UnitsEncoded, wantFrames)
	}
	if camStats.KeyUnits < 1 {
		t.Error("camera produced no key units")
	}
	// A clean in-order transport must produce neither losses nor forced
	// key-unit requests.
	if viewStats.UnitsLost != 0 {
		t.Errorf("lossless transport reported %d lost units", viewStats.UnitsLost)
	}
	if viewStats.KeyUnitRequestsSent != 0 {
		t.Errorf("viewer sent %d key-unit requests on a clean stream", viewStats.KeyUnitRequestsSent)
	}

	if camera.State() != StateClosed || viewer.State() != StateClosed {
		t.Errorf("states after shutdown: camera=%s viewer=%s", camera.State(), viewer.State())
	}
}

func TestLossTriggersKeyUnitRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("streams for several seconds")
	}

	a, b := mem.Pair(0)
	defer a.Close()
	defer b.Close()

	camSec, viewSec := sessionConfigs(t)

	// Small frames keep every delta unit a single fragment: the opening
	// key unit is two records, each delta unit after it exactly one. App
	// record 5 therefore carries unit 3 whole, so dropping it loses all
	// of that unit's fragments.
	pool := media.NewPool(8 << 20)
	src := testpattern.New(pool)
	if err := src.Configure(capture.Config{Format: media.FormatYUYV, Width: 32, Height: 24, FPS: 30}); err != nil {
		t.Fatalf("configure source: %v", err)
	}
	enc := codec.NewEncoder(nil, codec.Settings{
		TargetBitrate: 1_000_000,
		Width:         32,
		Height:        24,
		FrameRate:     30,
		GOPLength:     15,
	}, codec.NewDelta())
	camera, err := New(Config{
		Role:      secure.RoleInitiator,
		Secure:    camSec,
		Transport: a,
		Source:    src,
		Encoder:   enc,
	})
	if err != nil {
		t.Fatalf("New camera: %v", err)
	}
	viewer, rend := buildViewer(t, b, viewSec, nil)

	// Swallow that one media record. The hook runs under the transport's
	// send lock, so the counter needs no extra synchronization. Control
	// and handshake records pass untouched.
	appSent := 0
	a.SetDropFunc(func(_ int, rec []byte) bool {
		if len(rec) == 0 || rec[0] != byte(secure.RecordApp) {
			return false
		}
		appSent++
		return appSent == 5
	})

	stop := runPair(t, context.Background(), camera, viewer)

	deadline := time.Now().Add(30 * time.Second)
	for {
		vs := viewer.Stats()
		if vs.UnitsLost >= 1 && vs.KeyUnitRequestsSent >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loss never detected: viewer=%+v", vs)
		}
		time.Sleep(50 * time.Millisecond)
	}

	// The stream must recover: rendering continues past the gap.
	atLoss := rend.count()
	for rend.count() < atLoss+15 {
		if time.Now().After(deadline) {
			t.Fatalf("stream did not recover after loss: rendered %d, was %d at loss",
				rend.count(), atLoss)
		}
		time.Sleep(50 * time.Millisecond)
	}
	stop()

	// One whole unit lost on the wire: exactly one reorder-deadline loss
	// and exactly one forced key-unit request.
	vs := viewer.Stats()
	if vs.UnitsLost != 1 {
		t.Errorf("viewer lost %d units, want exactly 1", vs.UnitsLost)
	}
	if vs.KeyUnitRequestsSent != 1 {
		t.Errorf("viewer sent %d key-unit requests, want exactly 1", vs.KeyUnitRequestsSent)
	}
	if got := camera.Stats().KeyUnitRequestsReceived; got != 1 {
		t.Errorf("camera received %d key-unit requests, want exactly 1", got)
	}
	seqs := rend.snapshot()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("out-of-order render after loss: seqs[%d]=%d after %d", i, seqs[i], seqs[i-1])
		}
	}
}
