package media

import (
	"errors"
	"sync"
	"testing"
)

func TestPoolAcquireAllocates(t *testing.T) {
	t.Parallel()

	p := NewPool(0)
	h, err := p.Acquire(1024)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := len(h.Bytes()); got != 1024 {
		t.Errorf("len: got %d, want 1024", got)
	}
	h.Release()
}

func TestPoolReusesFreedSlot(t *testing.T) {
	t.Parallel()

	p := NewPool(0)
	h, err := p.Acquire(4096)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()

	// A smaller request must reuse the freed slot rather than allocate.
	h2, err := p.Acquire(1000)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer h2.Release()

	if got := p.Reuses(); got != 1 {
		t.Errorf("Reuses: got %d, want 1", got)
	}
	if got := len(h2.Bytes()); got != 1000 {
		t.Errorf("len: got %d, want 1000", got)
	}
	if got := p.InUse(); got != 4096 {
		t.Errorf("InUse: got %d, want 4096", got)
	}
}

func TestPoolBestFit(t *testing.T) {
	t.Parallel()

	p := NewPool(0)
	big, _ := p.Acquire(8192)
	small, _ := p.Acquire(2048)
	big.Release()
	small.Release()

	// 1024 fits both free slots; best-fit must pick the 2048 one.
	h, err := p.Acquire(1024)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()
	if got := cap(h.Bytes()); got != 2048 {
		t.Errorf("reused slot capacity: got %d, want 2048", got)
	}
}

func TestPoolExhaustedAtCeiling(t *testing.T) {
	t.Parallel()

	p := NewPool(1000)
	h, err := p.Acquire(800)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := p.Acquire(400); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Acquire over ceiling: got %v, want ErrPoolExhausted", err)
	}

	// Releasing clears the condition for requests the freed slot can carry.
	h.Release()
	h2, err := p.Acquire(400)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	h2.Release()
}

func TestPoolNoAliasingUnderConcurrency(t *testing.T) {
	t.Parallel()

	p := NewPool(0)
	const workers = 8
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id byte) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h, err := p.Acquire(256)
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				b := h.Bytes()
				for j := range b {
					b[j] = id
				}
				// If another live handle aliased this slot, the fill
				// would be torn by its writes.
				for j := range b {
					if b[j] != id {
						t.Errorf("slot aliased: byte %d is %d, want %d", j, b[j], id)
						h.Release()
						return
					}
				}
				h.Release()
			}
		}(byte(w))
	}
	wg.Wait()
}

func TestHandleRetainDeferredRelease(t *testing.T) {
	t.Parallel()

	p := NewPool(0)
	h, _ := p.Acquire(128)
	h.Retain()
	h.Release()

	// Still one reference held; the slot must not be reusable yet.
	h2, _ := p.Acquire(128)
	if &h.Bytes()[0] == &h2.Bytes()[0] {
		t.Fatal("slot reused while a reference was still held")
	}
	h.Release()
	h2.Release()
}

func TestPixelFormatFourCCRoundTrip(t *testing.T) {
	t.Parallel()

	formats := []PixelFormat{FormatMJPG, FormatYUYV, FormatRGB3, FormatBGR3, FormatYU12, FormatYV12}
	for _, f := range formats {
		if got := FormatFromFourCC(f.FourCC()); got != f {
			t.Errorf("round trip %s: got %s", f, got)
		}
	}

	if got := FormatFromFourCC([4]byte{'X', 'X', 'X', 'X'}); got != FormatYUYV {
		t.Errorf("unknown fourcc: got %s, want YUYV fallback", got)
	}
}
