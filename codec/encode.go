package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/voralis/specto/media"
)

// Encoder is the encode stage. It owns a ranked list of backend candidates,
// selects the first one that accepts the incoming frame format, and fails
// over down the list when the active backend breaks. The sequence-number
// series is inherited from frames and survives failover; the first unit
// after a failover is always a key unit.
//
// Submit runs on the encode goroutine only. Configure and RequestKeyUnit
// may be called concurrently from the controller.
type Encoder struct {
	log      *slog.Logger
	backends []Backend
	active   int // index into backends, -1 until first frame probes

	mu       sync.Mutex
	settings Settings
	pending  *Settings

	keyRequested atomic.Bool
	sinceKey     int
	haveKey      bool
	failovers    atomic.Int64
}

// NewEncoder creates the encode stage with backends in preference order.
// If log is nil, slog.Default() is used.
func NewEncoder(log *slog.Logger, settings Settings, backends ...Backend) *Encoder {
	if log == nil {
		log = slog.Default()
	}
	if settings.GOPLength <= 0 {
		settings.GOPLength = DefaultGOPLength
	}
	return &Encoder{
		log:      log.With("component", "encoder"),
		backends: backends,
		active:   -1,
		settings: settings,
	}
}

// Configure stages new settings; they take effect at the next key-unit
// boundary so a group of pictures is never split across configurations.
func (e *Encoder) Configure(s Settings) {
	if s.GOPLength <= 0 {
		s.GOPLength = DefaultGOPLength
	}
	e.mu.Lock()
	e.pending = &s
	e.mu.Unlock()
}

// Settings returns the configuration currently in effect.
func (e *Encoder) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// RequestKeyUnit forces the next output to be independently decodable.
// Called after the peer reports a lost key unit or when a receiver joins.
func (e *Encoder) RequestKeyUnit() {
	e.keyRequested.Store(true)
}

// Failovers returns how many times the stage switched backends.
func (e *Encoder) Failovers() int64 { return e.failovers.Load() }

// ActiveBackend returns the name of the backend currently encoding, or ""
// before the first frame.
func (e *Encoder) ActiveBackend() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active < 0 {
		return ""
	}
	return e.backends[e.active].Name()
}

// Submit encodes one frame into a unit. On backend failure it fails over to
// the next candidate that accepts the frame format and retries with a
// forced key unit; ErrNoBackend is returned when the list is exhausted.
func (e *Encoder) Submit(frame *media.Frame) (*media.EncodedUnit, error) {
	e.mu.Lock()
	forceKey := !e.haveKey || e.sinceKey >= e.settings.GOPLength
	if e.keyRequested.Swap(false) {
		forceKey = true
	}
	if forceKey && e.pending != nil {
		e.settings = *e.pending
		e.pending = nil
	}
	active := e.active
	e.mu.Unlock()

	if active < 0 {
		var err error
		if active, err = e.probe(0, frame.Format); err != nil {
			return nil, err
		}
	}

	for {
		payload, key, err := e.backends[active].Encode(frame, forceKey)
		if err == nil {
			e.mu.Lock()
			e.active = active
			if key {
				e.haveKey = true
				e.sinceKey = 1
			} else {
				e.sinceKey++
			}
			e.mu.Unlock()

			return &media.EncodedUnit{
				Codec:    e.backends[active].Name(),
				Sequence: frame.Sequence,
				Key:      key,
				Captured: frame.Captured,
				Payload:  payload,
			}, nil
		}
		if !errors.Is(err, ErrBackendDown) {
			return nil, fmt.Errorf("codec: encode frame %d: %w", frame.Sequence, err)
		}

		e.log.Warn("encoder backend failed, trying next candidate",
			"backend", e.backends[active].Name(), "error", err)
		next, perr := e.probe(active+1, frame.Format)
		if perr != nil {
			return nil, fmt.Errorf("codec: all backends exhausted after %q: %w",
				e.backends[active].Name(), ErrNoBackend)
		}
		e.failovers.Add(1)
		active = next
		forceKey = true // downstream must resynchronize on the new backend
	}
}

// probe returns the first backend at or after from that accepts format,
// reset and ready to start a fresh group of pictures.
func (e *Encoder) probe(from int, format media.PixelFormat) (int, error) {
	for i := from; i < len(e.backends); i++ {
		if !e.backends[i].Accepts(format) {
			continue
		}
		e.backends[i].Reset()
		e.log.Info("encoder backend selected", "backend", e.backends[i].Name(), "format", format.String())
		return i, nil
	}
	return -1, fmt.Errorf("%w: format %s", ErrNoBackend, format)
}
