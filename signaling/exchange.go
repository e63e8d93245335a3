package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The exchange relays opaque negotiation blobs; authentication is
		// the session handshake's job.
		return true
	},
}

// Exchange is a WebSocket rendezvous that relays offer and answer blobs
// between the two endpoints of a session. Endpoints connect to
// /session?id=<session-id>; the first two connections for an id are
// paired and everything one writes is forwarded to the other.
type Exchange struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	conns [2]*websocket.Conn
	n     int

	// Blobs written before the second endpoint joined, flushed on join.
	pending [][]byte
}

// NewExchange creates an exchange relay. If log is nil, slog.Default()
// is used.
func NewExchange(log *slog.Logger) *Exchange {
	if log == nil {
		log = slog.Default()
	}
	return &Exchange{
		log:   log.With("component", "signaling-exchange"),
		rooms: make(map[string]*room),
	}
}

// ServeHTTP upgrades the request and joins the connection to its
// session's room.
func (e *Exchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.log.Warn("upgrade failed", "error", err)
		return
	}

	e.mu.Lock()
	rm := e.rooms[id]
	if rm == nil {
		rm = &room{}
		e.rooms[id] = rm
	}
	if rm.n >= 2 {
		e.mu.Unlock()
		e.log.Warn("session full", "session_id", id)
		conn.Close()
		return
	}
	slot := rm.n
	rm.conns[slot] = conn
	rm.n++
	pending := rm.pending
	rm.pending = nil
	e.mu.Unlock()

	for _, blob := range pending {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, blob); err != nil {
			e.log.Debug("pending flush failed", "session_id", id, "error", err)
			conn.Close()
			return
		}
	}

	e.log.Info("endpoint joined", "session_id", id, "slot", slot)
	go e.relay(id, rm, slot, conn)
}

func (e *Exchange) relay(id string, rm *room, slot int, conn *websocket.Conn) {
	defer func() {
		conn.Close()
		e.mu.Lock()
		if e.rooms[id] == rm {
			delete(e.rooms, id)
		}
		e.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			e.log.Debug("endpoint left", "session_id", id, "slot", slot, "error", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		e.mu.Lock()
		peer := rm.conns[1-slot]
		if peer == nil {
			rm.pending = append(rm.pending, msg)
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()
		peer.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := peer.WriteMessage(websocket.TextMessage, msg); err != nil {
			e.log.Debug("relay write failed", "session_id", id, "error", err)
			return
		}
	}
}

// Client is one endpoint's connection to an exchange.
type Client struct {
	conn *websocket.Conn
}

// Connect dials the exchange at url (ws:// or wss://) and joins the
// given session.
func Connect(ctx context.Context, url, sessionID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url+"?id="+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// Send relays one blob to the peer endpoint.
func (c *Client) Send(blob []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, blob)
}

// Receive blocks until the peer's next blob arrives or ctx is cancelled.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return msg, nil
}

func (c *Client) Close() error { return c.conn.Close() }
