package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/voralis/specto/media"
)

// Delta is the pure-Go reference encoder backend. Key units carry the raw
// frame; delta units carry the XOR of the frame against the previous one,
// run-length coded over zero spans. Camera frames change little between
// captures, so the XOR is mostly zeros and the coding is compact, while
// every step stays cheap enough for the hot path.
type Delta struct {
	prev   []byte
	width  int
	height int
	format media.PixelFormat
	broken bool
}

// NewDelta returns a fresh delta encoder backend.
func NewDelta() *Delta { return &Delta{} }

func (d *Delta) Name() string { return "delta" }

// Accepts takes any uncompressed pixel layout.
func (d *Delta) Accepts(format media.PixelFormat) bool { return !format.Compressed() }

// Fail marks the backend broken so the next Encode reports ErrBackendDown.
// Used by failover tests and by hardware wrappers whose device vanished.
func (d *Delta) Fail() { d.broken = true }

// Encode compresses one frame. The first frame, any resolution or format
// change, and any forced request produce a key unit.
func (d *Delta) Encode(frame *media.Frame, forceKey bool) ([]byte, bool, error) {
	if d.broken {
		return nil, false, fmt.Errorf("%w: delta backend marked failed", ErrBackendDown)
	}

	data := frame.Data()
	key := forceKey || d.prev == nil ||
		frame.Width != d.width || frame.Height != d.height || frame.Format != d.format

	if key {
		payload := make([]byte, payloadHeaderLen+len(data))
		putPayloadHeader(payload, frame.Format, frame.Width, frame.Height)
		copy(payload[payloadHeaderLen:], data)
		d.remember(frame)
		return payload, true, nil
	}

	payload := make([]byte, payloadHeaderLen, payloadHeaderLen+len(data)/8)
	putPayloadHeader(payload, frame.Format, frame.Width, frame.Height)
	payload = appendXORRuns(payload, d.prev, data)
	d.remember(frame)
	return payload, false, nil
}

// Reset drops interframe state; the next unit will be a key unit.
func (d *Delta) Reset() {
	d.prev = nil
	d.broken = false
}

func (d *Delta) remember(frame *media.Frame) {
	data := frame.Data()
	if cap(d.prev) < len(data) {
		d.prev = make([]byte, len(data))
	}
	d.prev = d.prev[:len(data)]
	copy(d.prev, data)
	d.width, d.height, d.format = frame.Width, frame.Height, frame.Format
}

// appendXORRuns appends the XOR of cur against prev as a sequence of
// (zeroRun uvarint, literalLen uvarint, literal bytes) groups covering the
// whole frame.
func appendXORRuns(dst, prev, cur []byte) []byte {
	var scratch [binary.MaxVarintLen64]byte
	i := 0
	for i < len(cur) {
		zeros := 0
		for i+zeros < len(cur) && cur[i+zeros] == prev[i+zeros] {
			zeros++
		}
		i += zeros

		lit := 0
		for i+lit < len(cur) && cur[i+lit] != prev[i+lit] {
			lit++
		}

		n := binary.PutUvarint(scratch[:], uint64(zeros))
		dst = append(dst, scratch[:n]...)
		n = binary.PutUvarint(scratch[:], uint64(lit))
		dst = append(dst, scratch[:n]...)
		for j := i; j < i+lit; j++ {
			dst = append(dst, cur[j]^prev[j])
		}
		i += lit
	}
	return dst
}

// applyXORRuns decodes runs produced by appendXORRuns into dst, XORing
// literals against the previous frame already present in dst.
func applyXORRuns(dst, runs []byte) error {
	pos := 0
	for len(runs) > 0 {
		zeros, n := binary.Uvarint(runs)
		if n <= 0 {
			return fmt.Errorf("%w: bad zero run", ErrBadPayload)
		}
		runs = runs[n:]
		lit, n := binary.Uvarint(runs)
		if n <= 0 {
			return fmt.Errorf("%w: bad literal length", ErrBadPayload)
		}
		runs = runs[n:]

		// Both lengths are peer-controlled: bound them against the
		// remaining frame before any int conversion can wrap.
		if zeros > uint64(len(dst)-pos) {
			return fmt.Errorf("%w: zero run overflows frame", ErrBadPayload)
		}
		pos += int(zeros)
		if lit > uint64(len(dst)-pos) || lit > uint64(len(runs)) {
			return fmt.Errorf("%w: literal run overflows frame", ErrBadPayload)
		}
		for j := 0; j < int(lit); j++ {
			dst[pos+j] ^= runs[j]
		}
		runs = runs[lit:]
		pos += int(lit)
	}
	return nil
}

// DeltaDecoder mirrors Delta on the receive side.
type DeltaDecoder struct {
	prev   []byte
	width  int
	height int
	format media.PixelFormat
}

// NewDeltaDecoder returns a fresh delta decoder backend.
func NewDeltaDecoder() *DeltaDecoder { return &DeltaDecoder{} }

func (d *DeltaDecoder) Name() string { return "delta" }

// Decode reconstructs a frame from a delta-coded unit. A delta unit
// arriving before any key unit yields ErrNeedKeyUnit so the controller can
// request one from the sender.
func (d *DeltaDecoder) Decode(unit *media.EncodedUnit, pool *media.Pool) (*media.Frame, error) {
	format, width, height, err := parsePayloadHeader(unit.Payload)
	if err != nil {
		return nil, err
	}
	body := unit.Payload[payloadHeaderLen:]

	if unit.Key {
		if cap(d.prev) < len(body) {
			d.prev = make([]byte, len(body))
		}
		d.prev = d.prev[:len(body)]
		copy(d.prev, body)
		d.width, d.height, d.format = width, height, format
	} else {
		if d.prev == nil {
			return nil, ErrNeedKeyUnit
		}
		if width != d.width || height != d.height || format != d.format {
			return nil, fmt.Errorf("%w: delta geometry changed without key unit", ErrBadPayload)
		}
		if err := applyXORRuns(d.prev, body); err != nil {
			return nil, err
		}
	}

	buf, err := pool.Acquire(len(d.prev))
	if err != nil {
		return nil, err
	}
	copy(buf.Bytes(), d.prev)

	return &media.Frame{
		Format:   format,
		Width:    width,
		Height:   height,
		Captured: unit.Captured,
		Sequence: unit.Sequence,
		Buf:      buf,
	}, nil
}

// Reset drops interframe state.
func (d *DeltaDecoder) Reset() { d.prev = nil }
