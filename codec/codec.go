// Package codec implements the encode and decode stages. Concrete encoder
// backends sit behind the Backend contract as a ranked candidate list; the
// stage probes the list at startup, applies configuration changes at
// key-unit boundaries, and fails over to the next candidate when the active
// backend breaks mid-stream.
//
// Two backends ship with the core: "delta", a pure-Go reference codec
// (key units carry the raw frame, delta units carry a run-length-coded XOR
// against the previous frame), and "mjpeg", a passthrough for devices that
// deliver MJPEG-compressed frames. Both encode with a short group of
// pictures and no look-ahead: the pipeline's latency budget forbids
// buffering frames inside the encoder.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/voralis/specto/media"
)

// Sentinel errors, matched with errors.Is.
var (
	ErrNoBackend    = errors.New("codec: no backend accepts the frame format")
	ErrBackendDown  = errors.New("codec: backend unavailable")
	ErrNeedKeyUnit  = errors.New("codec: delta unit without a prior key unit")
	ErrUnknownCodec = errors.New("codec: unknown codec tag")
	ErrBadPayload   = errors.New("codec: malformed unit payload")
)

// Settings is the encoder configuration. Changes requested mid-stream take
// effect at the next key-unit boundary, never inside a group of pictures.
type Settings struct {
	TargetBitrate int // bits per second; enforced by send pacing
	Width         int
	Height        int
	FrameRate     int
	GOPLength     int // frames between key units
}

// DefaultGOPLength keeps groups short so a lost key unit is recoverable
// within a fraction of a second at 30 fps.
const DefaultGOPLength = 30

// Backend is one concrete encoder implementation. Encode returns the
// compressed payload and whether it produced a key unit; a backend may
// promote a requested delta to a key unit (e.g. after a format change) but
// never the reverse.
type Backend interface {
	Name() string
	Accepts(format media.PixelFormat) bool
	Encode(frame *media.Frame, forceKey bool) (payload []byte, key bool, err error)
	Reset()
}

// DecoderBackend mirrors Backend on the receive side. Decode allocates the
// output frame from the supplied pool.
type DecoderBackend interface {
	Name() string
	Decode(unit *media.EncodedUnit, pool *media.Pool) (*media.Frame, error)
	Reset()
}

// Unit payload header shared by the built-in backends:
// format(1) flags(1) width(2) height(2), big endian.
const payloadHeaderLen = 6

func putPayloadHeader(dst []byte, format media.PixelFormat, width, height int) {
	dst[0] = byte(format)
	dst[1] = 0
	binary.BigEndian.PutUint16(dst[2:], uint16(width))
	binary.BigEndian.PutUint16(dst[4:], uint16(height))
}

func parsePayloadHeader(p []byte) (format media.PixelFormat, width, height int, err error) {
	if len(p) < payloadHeaderLen {
		return 0, 0, 0, fmt.Errorf("%w: %d byte payload", ErrBadPayload, len(p))
	}
	format = media.PixelFormat(p[0])
	width = int(binary.BigEndian.Uint16(p[2:]))
	height = int(binary.BigEndian.Uint16(p[4:]))
	if width <= 0 || height <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: %dx%d", ErrBadPayload, width, height)
	}
	return format, width, height, nil
}
