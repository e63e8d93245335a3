// Package transport defines the datagram carrier contract used by the
// pipeline. A Transport moves opaque encrypted records between two peers
// on a best-effort basis: records may be dropped or reordered in flight,
// but a delivered record arrives intact and at most once.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive after the transport has been
// closed, locally or by the peer.
var ErrClosed = errors.New("transport: closed")

// ErrRecordTooLarge is returned by Send when the record exceeds
// MaxRecordSize.
var ErrRecordTooLarge = errors.New("transport: record too large")

// Transport carries encrypted records between two endpoints.
//
// Send does not block on delivery; an unreliable carrier may silently
// drop the record. Receive blocks until a record arrives, the context is
// cancelled, or the transport is closed. The returned slice is owned by
// the caller.
type Transport interface {
	Send(b []byte) error
	Receive(ctx context.Context) ([]byte, error)

	// MaxRecordSize is the largest record Send accepts, in bytes. It is
	// fixed for the lifetime of the transport.
	MaxRecordSize() int

	Close() error
}
