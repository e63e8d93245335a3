// Package testpattern provides a synthetic capture source that produces
// YUYV frames with a moving bar pattern at a fixed rate. It backs the
// pipeline's tests and serves as the fallback source on hosts without a
// camera.
package testpattern

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voralis/specto/capture"
	"github.com/voralis/specto/media"
)

// Source generates deterministic YUYV frames. The pattern is a vertical
// bar advancing one step per frame, so consecutive frames differ by a
// small region (exercising delta encoding) and any frame is recognizable
// by its sequence number alone.
type Source struct {
	pool *media.Pool

	mu      sync.Mutex
	cfg     capture.Config
	started bool
	seq     uint64
	ticker  *time.Ticker
	stopped chan struct{}
}

// New creates a testpattern source drawing frame storage from pool.
func New(pool *media.Pool) *Source {
	return &Source{
		pool: pool,
		cfg:  capture.Config{Format: media.FormatYUYV, Width: 640, Height: 480, FPS: 30},
	}
}

// Capabilities reports the fixed mode set the pattern generator offers.
func (s *Source) Capabilities() (capture.Capabilities, error) {
	return capture.Capabilities{
		Formats: []capture.FormatCapability{{
			Format: media.FormatYUYV,
			Resolutions: []capture.Resolution{
				{Width: 320, Height: 240},
				{Width: 640, Height: 480},
				{Width: 1280, Height: 720},
			},
			FrameRates: []int{15, 30, 60},
		}},
		HardwareEncoding: false,
	}, nil
}

// Configure selects the output mode. Only YUYV is generated.
func (s *Source) Configure(cfg capture.Config) error {
	if cfg.Format != media.FormatYUYV {
		return fmt.Errorf("%w: %s", capture.ErrUnsupportedFormat, cfg.Format)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.FPS <= 0 {
		return fmt.Errorf("%w: %dx%d@%d", capture.ErrUnsupportedFormat, cfg.Width, cfg.Height, cfg.FPS)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("capture: cannot reconfigure a started source")
	}
	s.cfg = cfg
	return nil
}

// Start begins frame pacing.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ticker = time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	s.stopped = make(chan struct{})
	s.started = true
	return nil
}

// Stop halts pacing; a blocked Capture returns ErrStopped.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.ticker.Stop()
	close(s.stopped)
	s.started = false
	return nil
}

// Capture blocks until the next frame interval, then renders one frame
// into a pool buffer.
func (s *Source) Capture(ctx context.Context) (*media.Frame, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, capture.ErrStopped
	}
	tick := s.ticker.C
	stopped := s.stopped
	cfg := s.cfg
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopped:
		return nil, capture.ErrStopped
	case <-tick:
	}

	size := cfg.Width * cfg.Height * 2 // YUYV: 2 bytes per pixel
	buf, err := s.pool.Acquire(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrDeviceIO, err)
	}

	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	renderBar(buf.Bytes(), cfg.Width, cfg.Height, int(seq))

	return &media.Frame{
		Format:   media.FormatYUYV,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Captured: time.Now(),
		Sequence: seq,
		Buf:      buf,
	}, nil
}

// renderBar fills a mid-gray YUYV field with a white vertical bar whose
// position advances with the frame step.
func renderBar(dst []byte, width, height, step int) {
	for i := 0; i < len(dst); i += 2 {
		dst[i] = 0x40   // Y
		dst[i+1] = 0x80 // U/V neutral
	}
	barWidth := width / 16
	if barWidth == 0 {
		barWidth = 1
	}
	barX := (step * 4) % (width - barWidth)
	for y := 0; y < height; y++ {
		row := y * width * 2
		for x := barX; x < barX+barWidth; x++ {
			dst[row+x*2] = 0xEB
		}
	}
}
