package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// Dialer opens message-oriented duplex connections.
type Dialer interface {
	Dial(ctx context.Context, url string, protocols []string) (Conn, error)
}

// Conn is one open connection. Read returns a *CloseError when the peer
// closes; any other error is treated as an abnormal close.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// CloseError reports a closed connection.
type CloseError struct {
	Code     int
	Reason   string
	WasClean bool
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("realtime: connection closed (code %d, clean=%t): %s", e.Code, e.WasClean, e.Reason)
}

// DefaultReadLimit bounds a single inbound message.
const DefaultReadLimit = 1 << 20

// WebSocketDialer dials over github.com/coder/websocket.
type WebSocketDialer struct {
	ReadLimit int64
}

// Dial opens a websocket. ctx bounds the handshake only.
func (d WebSocketDialer) Dial(ctx context.Context, url string, protocols []string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: protocols})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err == nil {
		return data, nil
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return nil, &CloseError{
			Code:     int(closeErr.Code),
			Reason:   closeErr.Reason,
			WasClean: closeErr.Code == websocket.StatusNormalClosure || closeErr.Code == websocket.StatusGoingAway,
		}
	}
	return nil, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
