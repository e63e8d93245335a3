// Package capture defines the contract a camera backend must satisfy to
// feed the pipeline, plus device discovery helpers. Concrete device
// backends (V4L2, AVFoundation, ...) live outside the core; the synthetic
// testpattern source in the subpackage is the reference implementation.
package capture

import (
	"context"
	"errors"

	"github.com/voralis/specto/media"
)

// Sentinel errors for capture backends, matched with errors.Is. Device
// errors are recoverable by backend failover and surfaced as warnings;
// they never terminate the session on their own.
var (
	ErrDeviceNotFound    = errors.New("capture: device not found")
	ErrUnsupportedFormat = errors.New("capture: unsupported format")
	ErrDeviceIO          = errors.New("capture: device i/o failure")
	ErrStopped           = errors.New("capture: source stopped")
)

// Resolution is one width-by-height mode a device supports.
type Resolution struct {
	Width  int
	Height int
}

// FormatCapability lists the resolutions and frame rates a device offers
// for a single pixel format.
type FormatCapability struct {
	Format      media.PixelFormat
	Resolutions []Resolution
	FrameRates  []int
}

// Capabilities describes everything a device can do, discovered once at
// startup and used to pick the initial capture configuration.
type Capabilities struct {
	Formats          []FormatCapability
	HardwareEncoding bool
}

// Supports reports whether the device offers the given format at the given
// resolution.
func (c Capabilities) Supports(format media.PixelFormat, w, h int) bool {
	for _, fc := range c.Formats {
		if fc.Format != format {
			continue
		}
		for _, r := range fc.Resolutions {
			if r.Width == w && r.Height == h {
				return true
			}
		}
	}
	return false
}

// Config selects one capture mode.
type Config struct {
	Format media.PixelFormat
	Width  int
	Height int
	FPS    int
}

// Source is the capture adapter contract. Implementations own the device;
// the pipeline owns the returned frames. Capture blocks until a frame is
// available, the context is cancelled, or the source is stopped.
type Source interface {
	Capabilities() (Capabilities, error)
	Configure(Config) error
	Start() error
	Stop() error
	Capture(ctx context.Context) (*media.Frame, error)
}
