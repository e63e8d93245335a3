// Package render defines the contract a display backend must satisfy to
// present decoded frames. Widget toolkits and GPU surfaces live outside the
// core; Null is the reference implementation used by tests and headless runs.
package render

import (
	"sync/atomic"
	"time"

	"github.com/voralis/specto/media"
)

// Renderer accepts decoded frames for presentation. Implementations must
// not retain the frame or its buffer beyond the call; a renderer that
// displays asynchronously copies the pixels it needs first.
type Renderer interface {
	Render(frame *media.Frame, pts time.Time) error
}

// Null discards frames while counting them. Useful for tests and for
// running the pipeline headless.
type Null struct {
	rendered atomic.Int64
	lastSeq  atomic.Uint64
}

// Render counts the frame and drops it.
func (n *Null) Render(frame *media.Frame, _ time.Time) error {
	n.rendered.Add(1)
	n.lastSeq.Store(frame.Sequence)
	return nil
}

// Rendered returns how many frames have been presented.
func (n *Null) Rendered() int64 { return n.rendered.Load() }

// LastSequence returns the sequence number of the most recent frame.
func (n *Null) LastSequence() uint64 { return n.lastSeq.Load() }
