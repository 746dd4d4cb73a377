// Package sync implements the Sync Kernel: the server half (rooms, per-doc
// broadcast, presence batching, catch-up) and the client half (a
// single-tasked connection state machine with reconnect backoff).
//
// Grounded on the teacher's internal/relay (SessionManager + handler.go's
// accept/register/reader-writer-goroutine loop) for the server half and
// internal/ws.Client (Run's connect-and-serve reconnect loop) for the
// client half, generalized from wingthing's PTY-relay protocol to the
// doc-sync protocol in internal/protocol.
package sync

import (
	"context"

	"github.com/coder/websocket"
)

// Transport abstracts one wire connection so the kernel never depends on
// *websocket.Conn directly; tests substitute an in-memory pipe.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// wsTransport adapts a coder/websocket connection to Transport.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an already-accepted or already-dialed
// websocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// NewWebSocketDialer returns a Dialer that dials url over coder/websocket,
// for use by cmd/docsync in production; tests supply an in-memory pipe
// instead.
func NewWebSocketDialer() Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return NewWebSocketTransport(conn), nil
	}
}
