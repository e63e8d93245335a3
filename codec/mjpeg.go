package codec

import (
	"fmt"

	"github.com/voralis/specto/media"
)

// MJPEG is a passthrough backend for devices that deliver MJPEG-compressed
// frames. Every JPEG is self-contained, so every unit is a key unit and
// interframe state never exists; failover to and from this backend is
// trivially safe.
type MJPEG struct {
	broken bool
}

// NewMJPEG returns the passthrough backend.
func NewMJPEG() *MJPEG { return &MJPEG{} }

func (m *MJPEG) Name() string { return "mjpeg" }

// Accepts takes only camera-compressed MJPEG frames.
func (m *MJPEG) Accepts(format media.PixelFormat) bool { return format == media.FormatMJPG }

// Fail marks the backend broken so the next Encode reports ErrBackendDown.
func (m *MJPEG) Fail() { m.broken = true }

// Encode wraps the JPEG bytes unchanged. forceKey is moot: every unit is key.
func (m *MJPEG) Encode(frame *media.Frame, _ bool) ([]byte, bool, error) {
	if m.broken {
		return nil, false, fmt.Errorf("%w: mjpeg backend marked failed", ErrBackendDown)
	}
	data := frame.Data()
	payload := make([]byte, payloadHeaderLen+len(data))
	putPayloadHeader(payload, frame.Format, frame.Width, frame.Height)
	copy(payload[payloadHeaderLen:], data)
	return payload, true, nil
}

// Reset clears the failure latch.
func (m *MJPEG) Reset() { m.broken = false }

// MJPEGDecoder unwraps passthrough units.
type MJPEGDecoder struct{}

// NewMJPEGDecoder returns the passthrough decoder backend.
func NewMJPEGDecoder() *MJPEGDecoder { return &MJPEGDecoder{} }

func (d *MJPEGDecoder) Name() string { return "mjpeg" }

// Decode copies the JPEG bytes into a pool buffer.
func (d *MJPEGDecoder) Decode(unit *media.EncodedUnit, pool *media.Pool) (*media.Frame, error) {
	format, width, height, err := parsePayloadHeader(unit.Payload)
	if err != nil {
		return nil, err
	}
	body := unit.Payload[payloadHeaderLen:]

	buf, err := pool.Acquire(len(body))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), body)

	return &media.Frame{
		Format:   format,
		Width:    width,
		Height:   height,
		Captured: unit.Captured,
		Sequence: unit.Sequence,
		Buf:      buf,
	}, nil
}

// Reset is a no-op: the passthrough holds no interframe state.
func (d *MJPEGDecoder) Reset() {}
