package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// WebSocketPort adapts a coder/websocket connection to the Port contract.
// Structured messages are JSON on the wire; incoming text that fails JSON
// parsing is returned as the raw string, and binary frames as []byte.
type WebSocketPort struct {
	conn *websocket.Conn

	closeCode   websocket.StatusCode
	closeReason string
}

// WebSocketOption customises adapter construction.
type WebSocketOption func(*WebSocketPort)

// WithCloseStatus overrides the status code and reason sent on Close.
func WithCloseStatus(code websocket.StatusCode, reason string) WebSocketOption {
	return func(p *WebSocketPort) {
		p.closeCode = code
		p.closeReason = reason
	}
}

// NewWebSocketPort wraps an established WebSocket connection. Both dialed
// (upstream) and accepted (user) connections are supported; the HTTP upgrade
// has already completed by the time a *websocket.Conn exists, so Accept is a
// no-op.
func NewWebSocketPort(conn *websocket.Conn, opts ...WebSocketOption) *WebSocketPort {
	port := &WebSocketPort{
		conn:      conn,
		closeCode: websocket.StatusNormalClosure,
	}
	for _, opt := range opts {
		opt(port)
	}
	return port
}

// Accept is a no-op: the connection is established before the port is
// constructed. Idempotent by construction.
func (p *WebSocketPort) Accept(_ context.Context) error {
	return nil
}

// Send serialises and writes a message. Strings go out verbatim as text
// frames, []byte as binary frames, everything else as JSON.
func (p *WebSocketPort) Send(ctx context.Context, message any) error {
	switch payload := message.(type) {
	case []byte:
		return p.conn.Write(ctx, websocket.MessageBinary, payload)
	case string:
		return p.conn.Write(ctx, websocket.MessageText, []byte(payload))
	default:
		encoded, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("message is not JSON serialisable: %w", err)
		}
		return p.conn.Write(ctx, websocket.MessageText, encoded)
	}
}

// Receive waits for the next message. Text frames are decoded from JSON,
// falling back to the raw string when parsing fails. A normal or going-away
// closure surfaces as ErrClosedOK.
func (p *WebSocketPort) Receive(ctx context.Context) (any, error) {
	kind, data, err := p.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, ErrClosedOK
		}
		return nil, err
	}

	if kind == websocket.MessageBinary {
		return data, nil
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return string(data), nil
	}
	return decoded, nil
}

// Close closes the underlying connection with the configured status.
func (p *WebSocketPort) Close(_ context.Context) error {
	return p.conn.Close(p.closeCode, p.closeReason)
}
