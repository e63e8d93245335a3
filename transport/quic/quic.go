// Package quic adapts a QUIC connection's unreliable datagram channel to
// the transport contract. Records ride QUIC DATAGRAM frames, so the
// carrier preserves record boundaries and drops rather than retransmits
// under loss.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/voralis/specto/transport"
)

// alpnProtocol identifies the application protocol during the QUIC
// handshake. Both endpoints must offer it.
const alpnProtocol = "specto/1"

// maxRecordSize is a conservative bound on the DATAGRAM frame payload
// that fits a single UDP packet on common paths.
const maxRecordSize = 1200

const (
	idleTimeout     = 30 * time.Second
	keepAlivePeriod = 10 * time.Second
)

// errCodeClosed is the application error code sent on orderly close.
const errCodeClosed quic.ApplicationErrorCode = 0

// Conn adapts a QUIC connection to the Transport contract.
type Conn struct {
	conn quic.Connection
}

var _ transport.Transport = (*Conn)(nil)

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}
}

// prepareTLS clones the caller's TLS config and pins the ALPN protocol.
func prepareTLS(tlsConf *tls.Config) *tls.Config {
	out := tlsConf.Clone()
	out.NextProtos = []string{alpnProtocol}
	return out
}

// Dial connects to a listener at addr. The TLS config supplies the local
// certificate and peer verification policy for the QUIC layer; the
// session handshake on top provides its own mutual authentication.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (*Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, prepareTLS(tlsConf), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	return &Conn{conn: conn}, nil
}

func (c *Conn) Send(b []byte) error {
	if len(b) > maxRecordSize {
		return transport.ErrRecordTooLarge
	}
	if err := c.conn.SendDatagram(b); err != nil {
		return mapError(err)
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	b, err := c.conn.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapError(err)
	}
	return b, nil
}

func (c *Conn) MaxRecordSize() int { return maxRecordSize }

func (c *Conn) Close() error {
	return c.conn.CloseWithError(errCodeClosed, "closed")
}

// RemoteAddr reports the peer's UDP address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Listener accepts incoming QUIC transports.
type Listener struct {
	l *quic.Listener
}

// Listen binds a QUIC listener on addr.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	l, err := quic.ListenAddr(addr, prepareTLS(tlsConf), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &Listener{l: l}, nil
}

// Accept blocks until an incoming connection completes its QUIC
// handshake, then returns it as a transport.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapError(err)
	}
	return &Conn{conn: conn}, nil
}

// Addr reports the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

func (l *Listener) Close() error { return l.l.Close() }

// mapError folds QUIC shutdown errors into the transport sentinel so
// callers can treat any closed carrier uniformly.
func mapError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return transport.ErrClosed
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return transport.ErrClosed
	}
	if errors.Is(err, quic.ErrServerClosed) {
		return transport.ErrClosed
	}
	return err
}
