// Package media defines the core frame and encoded-unit types that flow
// through the capture-to-render pipeline, together with the buffer pool
// that owns their raw storage.
package media

import "time"

// Queue depths used by the pipeline stages (producer and consumer sides)
// to decouple capture, encode, transport, and decode rates. Sized to absorb
// jitter without adding more than ~1s of buffering at 30 fps.
const (
	CaptureQueueDepth = 30
	EncodeQueueDepth  = 30
	SendQueueDepth    = 64
	ReceiveQueueDepth = 64
	DecodeQueueDepth  = 30
)

// PixelFormat identifies the pixel or compressed layout of a raw captured
// frame. Values map one-to-one onto V4L2 fourcc codes.
type PixelFormat uint8

const (
	FormatMJPG PixelFormat = iota
	FormatYUYV
	FormatRGB3
	FormatBGR3
	FormatYU12
	FormatYV12
)

var fourccTable = [...][4]byte{
	FormatMJPG: {'M', 'J', 'P', 'G'},
	FormatYUYV: {'Y', 'U', 'Y', 'V'},
	FormatRGB3: {'R', 'G', 'B', '3'},
	FormatBGR3: {'B', 'G', 'R', '3'},
	FormatYU12: {'Y', 'U', '1', '2'},
	FormatYV12: {'Y', 'V', '1', '2'},
}

// FormatFromFourCC maps a V4L2 fourcc to a PixelFormat. Unknown codes fall
// back to YUYV, the most common uncompressed webcam format.
func FormatFromFourCC(fourcc [4]byte) PixelFormat {
	for f, cc := range fourccTable {
		if cc == fourcc {
			return PixelFormat(f)
		}
	}
	return FormatYUYV
}

// FourCC returns the V4L2 fourcc code for the format.
func (f PixelFormat) FourCC() [4]byte {
	if int(f) < len(fourccTable) {
		return fourccTable[f]
	}
	return fourccTable[FormatYUYV]
}

func (f PixelFormat) String() string {
	cc := f.FourCC()
	return string(cc[:])
}

// Compressed reports whether frames in this format arrive already compressed
// from the device (MJPEG), in which case the encode stage can pass them
// through instead of re-encoding.
func (f PixelFormat) Compressed() bool {
	return f == FormatMJPG
}

// Frame is a single captured picture. It owns one pool Handle for its pixel
// data; the frame is immutable once handed downstream, and the last holder
// of the handle returns the storage to the pool.
type Frame struct {
	Format   PixelFormat
	Width    int
	Height   int
	Captured time.Time // monotonic capture timestamp
	Sequence uint64    // strictly increasing per source
	Buf      *Handle
}

// Data returns the frame's pixel bytes. The slice is valid only while the
// caller holds a reference on the underlying handle.
func (f *Frame) Data() []byte {
	if f.Buf == nil {
		return nil
	}
	return f.Buf.Bytes()
}

// Release drops this frame's reference on its buffer handle.
func (f *Frame) Release() {
	if f.Buf != nil {
		f.Buf.Release()
		f.Buf = nil
	}
}

// EncodedUnit is one compressed access unit produced by the encode stage.
// Sequence is inherited from the source frame so that drops are observable
// downstream as gaps.
type EncodedUnit struct {
	Codec    string // encoder backend name, e.g. "delta" or "mjpeg"
	Sequence uint64
	Key      bool // independently decodable without prior units
	Captured time.Time
	Payload  []byte
}
