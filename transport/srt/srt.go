// Package srt adapts an SRT connection to the transport contract for
// paths where UDP is shaped but SRT is allowed. SRT runs in message mode,
// so each Send maps to one SRT message and record boundaries survive the
// trip. SRT retransmits within its latency window, which weakens the
// drop-rather-than-delay property; prefer the QUIC carrier when both are
// available.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	srtgo "github.com/zsiec/srtgo"

	"github.com/voralis/specto/transport"
)

// maxRecordSize is the standard SRT payload size.
const maxRecordSize = 1316

// latencyNs is the SRT latency setting in nanoseconds (120ms).
const latencyNs = 120_000_000

// Conn adapts an SRT connection to the Transport contract.
type Conn struct {
	conn *srtgo.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transport.Transport = (*Conn)(nil)

func config(streamID string) srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs
	cfg.StreamID = streamID
	return cfg
}

// Dial connects to an SRT listener at addr, identifying the session with
// streamID. ctx bounds the connection attempt.
func Dial(ctx context.Context, addr, streamID string) (*Conn, error) {
	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, config(streamID))
		ch <- dialResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial %s: %w", addr, res.err)
		}
		return newConn(res.conn), nil
	case <-ctx.Done():
		// Drain the dial result in the background and close any leaked
		// connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func newConn(conn *srtgo.Conn) *Conn {
	return &Conn{conn: conn, closed: make(chan struct{})}
}

func (c *Conn) Send(b []byte) error {
	if len(b) > maxRecordSize {
		return transport.ErrRecordTooLarge
	}
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if _, err := c.conn.Write(b); err != nil {
		return c.mapError(err)
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	// srtgo reads block without deadline support, so cancellation closes
	// the socket out from under the read.
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	buf := make([]byte, maxRecordSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.mapError(err)
	}
	return buf[:n], nil
}

func (c *Conn) MaxRecordSize() int { return maxRecordSize }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr reports the peer's address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// StreamID reports the stream identifier offered by the peer.
func (c *Conn) StreamID() string { return c.conn.StreamID() }

func (c *Conn) mapError(err error) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if errors.Is(err, io.EOF) {
		return transport.ErrClosed
	}
	return err
}

// Listener accepts incoming SRT transports.
type Listener struct {
	l *srtgo.Listener
}

// Listen binds an SRT listener on addr. Connections arriving without a
// stream ID are rejected during the SRT handshake.
func Listen(addr string) (*Listener, error) {
	l, err := srtgo.Listen(addr, config(""))
	if err != nil {
		return nil, fmt.Errorf("srt listen %s: %w", addr, err)
	}
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})
	return &Listener{l: l}, nil
}

// Accept blocks until an incoming connection completes the SRT
// handshake, then returns it as a transport.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(conn), nil
}

func (l *Listener) Close() error { return l.l.Close() }
