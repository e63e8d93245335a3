package codec

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/voralis/specto/media"
)

func makeFrame(t *testing.T, pool *media.Pool, seq uint64, fill byte) *media.Frame {
	t.Helper()

	const w, h = 32, 24
	buf, err := pool.Acquire(w * h * 2)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b := buf.Bytes()
	for i := range b {
		b[i] = fill
	}
	// Perturb a small region so consecutive frames differ like real video.
	b[int(seq)%len(b)] ^= 0xFF
	return &media.Frame{
		Format:   media.FormatYUYV,
		Width:    w,
		Height:   h,
		Captured: time.Now(),
		Sequence: seq,
		Buf:      buf,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	enc := NewEncoder(nil, Settings{GOPLength: 10}, NewDelta())
	dec := NewDecoder(nil, pool, NewDeltaDecoder())

	for seq := uint64(0); seq < 25; seq++ {
		frame := makeFrame(t, pool, seq, 0x40)
		want := append([]byte(nil), frame.Data()...)

		unit, err := enc.Submit(frame)
		if err != nil {
			t.Fatalf("Submit frame %d: %v", seq, err)
		}
		if unit.Sequence != seq {
			t.Errorf("unit sequence: got %d, want %d", unit.Sequence, seq)
		}

		out, err := dec.Decode(unit)
		if err != nil {
			t.Fatalf("Decode unit %d: %v", seq, err)
		}
		got := out.Data()
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("frame %d byte %d: got %#x, want %#x", seq, i, got[i], want[i])
			}
		}
		out.Release()
		frame.Release()
	}
}

func TestGOPKeyCadence(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	enc := NewEncoder(nil, Settings{GOPLength: 5}, NewDelta())

	for seq := uint64(0); seq < 12; seq++ {
		frame := makeFrame(t, pool, seq, 0x20)
		unit, err := enc.Submit(frame)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		wantKey := seq%5 == 0
		if unit.Key != wantKey {
			t.Errorf("frame %d: key=%v, want %v", seq, unit.Key, wantKey)
		}
		frame.Release()
	}
}

func TestRequestKeyUnit(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	enc := NewEncoder(nil, Settings{GOPLength: 100}, NewDelta())

	for seq := uint64(0); seq < 3; seq++ {
		frame := makeFrame(t, pool, seq, 0x20)
		if _, err := enc.Submit(frame); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		frame.Release()
	}

	enc.RequestKeyUnit()
	frame := makeFrame(t, pool, 3, 0x20)
	unit, err := enc.Submit(frame)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !unit.Key {
		t.Error("unit after RequestKeyUnit is not a key unit")
	}
	frame.Release()
}

func TestConfigureAppliesAtKeyBoundary(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	enc := NewEncoder(nil, Settings{GOPLength: 4, TargetBitrate: 2_000_000}, NewDelta())

	frame := makeFrame(t, pool, 0, 0x20)
	if _, err := enc.Submit(frame); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frame.Release()

	enc.Configure(Settings{GOPLength: 4, TargetBitrate: 1_000_000})

	// Mid-GOP frames still run under the old settings.
	for seq := uint64(1); seq < 4; seq++ {
		frame := makeFrame(t, pool, seq, 0x20)
		if _, err := enc.Submit(frame); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		frame.Release()
		if got := enc.Settings().TargetBitrate; got != 2_000_000 {
			t.Fatalf("mid-GOP bitrate: got %d, want old 2000000", got)
		}
	}

	// Frame 4 starts a new group; the staged settings land with it.
	frame = makeFrame(t, pool, 4, 0x20)
	unit, err := enc.Submit(frame)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frame.Release()
	if !unit.Key {
		t.Fatal("expected key unit at GOP boundary")
	}
	if got := enc.Settings().TargetBitrate; got != 1_000_000 {
		t.Errorf("post-boundary bitrate: got %d, want 1000000", got)
	}
}

func TestFailoverForcesKeyUnitAndKeepsSequence(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	primary := NewDelta()
	fallback := NewDelta()
	enc := NewEncoder(nil, Settings{GOPLength: 100}, primary, fallback)

	for seq := uint64(0); seq < 3; seq++ {
		frame := makeFrame(t, pool, seq, 0x20)
		if _, err := enc.Submit(frame); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		frame.Release()
	}

	primary.Fail()
	frame := makeFrame(t, pool, 3, 0x20)
	unit, err := enc.Submit(frame)
	if err != nil {
		t.Fatalf("Submit after failover: %v", err)
	}
	frame.Release()

	if !unit.Key {
		t.Error("first unit after failover is not a key unit")
	}
	if unit.Sequence != 3 {
		t.Errorf("sequence after failover: got %d, want 3", unit.Sequence)
	}
	if got := enc.Failovers(); got != 1 {
		t.Errorf("Failovers: got %d, want 1", got)
	}
}

func TestFailoverExhaustion(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	only := NewDelta()
	enc := NewEncoder(nil, Settings{}, only)

	frame := makeFrame(t, pool, 0, 0x20)
	if _, err := enc.Submit(frame); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	frame.Release()

	only.Fail()
	frame = makeFrame(t, pool, 1, 0x20)
	_, err := enc.Submit(frame)
	frame.Release()
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("exhausted backends: got %v, want ErrNoBackend", err)
	}
}

func TestDecodeDeltaWithoutKey(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	enc := NewEncoder(nil, Settings{GOPLength: 100}, NewDelta())
	dec := NewDecoder(nil, pool, NewDeltaDecoder())

	f0 := makeFrame(t, pool, 0, 0x20)
	if _, err := enc.Submit(f0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f0.Release()

	f1 := makeFrame(t, pool, 1, 0x20)
	unit, err := enc.Submit(f1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f1.Release()

	// The decoder never saw the key unit.
	if _, err := dec.Decode(unit); !errors.Is(err, ErrNeedKeyUnit) {
		t.Fatalf("delta without key: got %v, want ErrNeedKeyUnit", err)
	}
}

func TestDecodeMalformedDeltaRuns(t *testing.T) {
	t.Parallel()

	const w, h = 32, 24
	frameLen := w * h * 2

	// A peer-supplied delta unit with the given run bytes.
	deltaUnit := func(runs []byte) *media.EncodedUnit {
		payload := make([]byte, payloadHeaderLen, payloadHeaderLen+len(runs))
		putPayloadHeader(payload, media.FormatYUYV, w, h)
		return &media.EncodedUnit{
			Codec:    "delta",
			Sequence: 1,
			Captured: time.Now(),
			Payload:  append(payload, runs...),
		}
	}
	uvarint := func(v uint64) []byte {
		var b [10]byte
		return b[:binary.PutUvarint(b[:], v)]
	}

	cases := []struct {
		name string
		runs []byte
	}{
		{"zero run wraps negative", uvarint(1 << 63)},
		{"zero run past frame", uvarint(uint64(frameLen) + 1)},
		{"literal wraps negative", append(uvarint(0), uvarint(1<<63)...)},
		{"literal past frame", append(uvarint(0), uvarint(uint64(frameLen)+1)...)},
		{"literal past payload", append(append(uvarint(0), uvarint(4)...), 0x01)},
		{"truncated varint", []byte{0x80}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pool := media.NewPool(0)
			dec := NewDeltaDecoder()

			key := makeFrame(t, pool, 0, 0x20)
			keyPayload := make([]byte, payloadHeaderLen+frameLen)
			putPayloadHeader(keyPayload, media.FormatYUYV, w, h)
			copy(keyPayload[payloadHeaderLen:], key.Data())
			out, err := dec.Decode(&media.EncodedUnit{
				Codec: "delta", Key: true, Captured: time.Now(), Payload: keyPayload,
			}, pool)
			if err != nil {
				t.Fatalf("Decode key unit: %v", err)
			}
			out.Release()
			key.Release()

			if _, err := dec.Decode(deltaUnit(tc.runs), pool); !errors.Is(err, ErrBadPayload) {
				t.Fatalf("Decode: got %v, want ErrBadPayload", err)
			}
		})
	}
}

func TestMJPEGPassthrough(t *testing.T) {
	t.Parallel()

	pool := media.NewPool(0)
	buf, _ := pool.Acquire(512)
	for i := range buf.Bytes() {
		buf.Bytes()[i] = byte(i)
	}
	frame := &media.Frame{
		Format: media.FormatMJPG, Width: 64, Height: 48,
		Sequence: 7, Captured: time.Now(), Buf: buf,
	}

	enc := NewEncoder(nil, Settings{}, NewDelta(), NewMJPEG())
	unit, err := enc.Submit(frame)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !unit.Key {
		t.Error("mjpeg unit is not a key unit")
	}
	if unit.Codec != "mjpeg" {
		t.Errorf("backend: got %q, want mjpeg (delta does not accept MJPG)", unit.Codec)
	}

	dec := NewDecoder(nil, pool, NewMJPEGDecoder())
	out, err := dec.Decode(unit)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.Data()
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d: got %#x, want %#x", i, got[i], byte(i))
		}
	}
	out.Release()
	frame.Release()
}
