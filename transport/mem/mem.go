// Package mem provides an in-process Transport pair for tests. The two
// ends are connected by bounded channels; a full queue drops the record,
// mimicking an unreliable datagram carrier under congestion. A drop hook
// lets tests inject targeted loss.
package mem

import (
	"context"
	"sync"

	"github.com/voralis/specto/transport"
)

// queueDepth bounds each direction. Sends into a full queue are dropped.
const queueDepth = 256

// DefaultMaxRecordSize matches a conservative datagram MTU.
const DefaultMaxRecordSize = 1200

// Conn is one end of an in-process transport pair.
type Conn struct {
	in      chan []byte
	peer    *Conn
	maxSize int

	mu      sync.Mutex
	drop    func(i int, b []byte) bool
	sendIdx int

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Transport = (*Conn)(nil)

// Pair returns two connected transports. Records sent on one end are
// received on the other. maxRecordSize <= 0 selects DefaultMaxRecordSize.
func Pair(maxRecordSize int) (*Conn, *Conn) {
	if maxRecordSize <= 0 {
		maxRecordSize = DefaultMaxRecordSize
	}
	a := &Conn{in: make(chan []byte, queueDepth), maxSize: maxRecordSize, closed: make(chan struct{})}
	b := &Conn{in: make(chan []byte, queueDepth), maxSize: maxRecordSize, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// SetDropFunc installs a loss hook. The hook sees each outgoing record
// with its zero-based send index and returns true to drop it. Passing nil
// removes the hook.
func (c *Conn) SetDropFunc(fn func(i int, b []byte) bool) {
	c.mu.Lock()
	c.drop = fn
	c.mu.Unlock()
}

func (c *Conn) Send(b []byte) error {
	if len(b) > c.maxSize {
		return transport.ErrRecordTooLarge
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	case <-c.peer.closed:
		return transport.ErrClosed
	default:
	}

	c.mu.Lock()
	i := c.sendIdx
	c.sendIdx++
	drop := c.drop != nil && c.drop(i, b)
	c.mu.Unlock()
	if drop {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	select {
	case c.peer.in <- out:
	default:
		// Queue full: congestion loss.
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-c.peer.closed:
		return nil, transport.ErrClosed
	}
}

func (c *Conn) MaxRecordSize() int { return c.maxSize }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
