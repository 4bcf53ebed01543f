package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

const defaultReadLimit = 4 << 20

// Transport opens a message-oriented connection to the venue.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one open socket. Read is called from a single goroutine; Write may be
// called concurrently with Read.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// WebsocketTransport dials text websockets.
type WebsocketTransport struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Dial opens a websocket and raises the read limit for large snapshot frames.
func (t WebsocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	dialCtx := ctx
	if t.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.HandshakeTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, fmt.Errorf("remote closed with status %d: %w", status, err)
		}
		return nil, err
	}
	return data, nil
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *websocketConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
