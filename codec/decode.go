package codec

import (
	"fmt"
	"log/slog"

	"github.com/voralis/specto/media"
)

// Decoder is the decode stage. Units carry their codec tag, so the stage
// routes each one to the matching backend; a failover on the sending side
// therefore needs no coordination here beyond the forced key unit that
// resets interframe state.
type Decoder struct {
	log      *slog.Logger
	pool     *media.Pool
	backends map[string]DecoderBackend
}

// NewDecoder creates the decode stage. Output frames draw storage from pool.
// If log is nil, slog.Default() is used.
func NewDecoder(log *slog.Logger, pool *media.Pool, backends ...DecoderBackend) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	m := make(map[string]DecoderBackend, len(backends))
	for _, b := range backends {
		m[b.Name()] = b
	}
	return &Decoder{
		log:      log.With("component", "decoder"),
		pool:     pool,
		backends: m,
	}
}

// Decode reconstructs the frame carried by one unit. ErrNeedKeyUnit means
// the stream joined or resumed at a delta unit; the controller reacts by
// requesting a key unit from the sender.
func (d *Decoder) Decode(unit *media.EncodedUnit) (*media.Frame, error) {
	b, ok := d.backends[unit.Codec]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, unit.Codec)
	}
	frame, err := b.Decode(unit, d.pool)
	if err != nil {
		return nil, fmt.Errorf("codec: decode unit %d: %w", unit.Sequence, err)
	}
	return frame, nil
}

// Reset drops all interframe state, e.g. after a loss gap.
func (d *Decoder) Reset() {
	for _, b := range d.backends {
		b.Reset()
	}
}
