package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPoolExhausted is returned by Acquire when no free slot can satisfy the
// request and growing would exceed the pool ceiling. The condition clears
// once an outstanding handle is released.
var ErrPoolExhausted = errors.New("media: buffer pool exhausted")

// Pool is a reusable frame-buffer arena. Acquire hands out reference-counted
// handles over pooled byte slots; releasing the last reference returns the
// slot for reuse. The pool grows on demand up to a byte ceiling and never
// blocks callers: the capture and encode paths must stay prompt, so a full
// pool fails fast with ErrPoolExhausted instead of waiting.
type Pool struct {
	mu    sync.Mutex
	free  []*Handle // released slots available for reuse
	total int64     // bytes allocated across all slots

	ceiling int64

	acquires atomic.Int64
	reuses   atomic.Int64
}

// NewPool creates a pool that may allocate up to ceiling bytes of slot
// storage. A ceiling of 0 or less means unbounded growth.
func NewPool(ceiling int64) *Pool {
	return &Pool{ceiling: ceiling}
}

// Acquire returns a handle over a slot of exactly size bytes, reusing the
// best-fitting free slot whose capacity is sufficient, or allocating a new
// slot when none fits and the ceiling allows it. The returned handle starts
// with one reference owned by the caller.
func (p *Pool) Acquire(size int) (*Handle, error) {
	if size < 0 {
		return nil, fmt.Errorf("media: acquire negative size %d", size)
	}
	p.acquires.Add(1)

	p.mu.Lock()
	best := -1
	for i, h := range p.free {
		if cap(h.data) < size {
			continue
		}
		if best < 0 || cap(h.data) < cap(p.free[best].data) {
			best = i
		}
	}
	if best >= 0 {
		h := p.free[best]
		last := len(p.free) - 1
		p.free[best] = p.free[last]
		p.free = p.free[:last]
		p.mu.Unlock()

		p.reuses.Add(1)
		h.data = h.data[:size]
		h.refs.Store(1)
		return h, nil
	}

	if p.ceiling > 0 && p.total+int64(size) > p.ceiling {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrPoolExhausted, size, p.total, p.ceiling)
	}
	p.total += int64(size)
	p.mu.Unlock()

	h := &Handle{pool: p, data: make([]byte, size)}
	h.refs.Store(1)
	return h, nil
}

// InUse returns the number of bytes currently allocated to slots, free or live.
func (p *Pool) InUse() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Reuses returns how many acquires were satisfied from the free list.
func (p *Pool) Reuses() int64 { return p.reuses.Load() }

// Handle is a reference-counted view of one pool slot. Copies of the pointer
// share the count: Retain before handing the handle to another holder,
// Release when done. The slot returns to the pool when the last reference
// drops; reading the slot after that is a caller bug, prevented by ownership
// transfer rather than runtime checks.
type Handle struct {
	pool *Pool
	data []byte
	refs atomic.Int32
}

// Bytes returns the slot contents sized to the acquired length.
func (h *Handle) Bytes() []byte { return h.data }

// Retain adds a reference for a new holder.
func (h *Handle) Retain() { h.refs.Add(1) }

// Release drops one reference. The last release returns the slot to the
// pool's free list with its full capacity intact.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("media: handle released more times than retained")
	}
	h.data = h.data[:cap(h.data)]
	h.pool.mu.Lock()
	h.pool.free = append(h.pool.free, h)
	h.pool.mu.Unlock()
}
