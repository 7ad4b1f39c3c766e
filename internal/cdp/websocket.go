package cdp

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// Conn defines the interface for a WebSocket connection.
// This abstraction enables testing with mock connections.
type Conn interface {
	// Read reads a message from the connection.
	// Returns message type, payload, and any error.
	Read(ctx context.Context) (websocket.MessageType, []byte, error)

	// Write writes a message to the connection.
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error

	// Close closes the connection with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// WebSocketTransport frames CDP messages as WebSocket text messages.
type WebSocketTransport struct {
	conn    Conn
	writeMu sync.Mutex
}

// NewWebSocketTransport wraps an established WebSocket connection.
func NewWebSocketTransport(conn Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// DialWebSocket connects to a CDP WebSocket endpoint.
func DialWebSocket(ctx context.Context, wsURL string) (*WebSocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP endpoint: %w", err)
	}
	// Debugger payloads (scriptParsed with inline source maps, large
	// getProperties results) routinely exceed the 32 KiB default.
	conn.SetReadLimit(256 << 20)
	return NewWebSocketTransport(conn), nil
}

// Send writes one message.
func (t *WebSocketTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Receive returns the next message.
func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

// Close closes the underlying WebSocket.
func (t *WebSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client closing")
}
