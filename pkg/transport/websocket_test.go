package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades each connection and echoes every message back through
// the port under test.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		port := NewWebSocketPort(conn)
		ctx := r.Context()
		for {
			message, err := port.Receive(ctx)
			if err != nil {
				_ = port.Close(ctx)
				return
			}
			if err := port.Send(ctx, message); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func dialTestPort(t *testing.T, server *httptest.Server, opts ...WebSocketOption) *WebSocketPort {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	return NewWebSocketPort(conn, opts...)
}

func TestWebSocketPortJSONRoundTrip(t *testing.T) {
	server := echoServer(t)
	port := dialTestPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer port.Close(ctx)

	require.NoError(t, port.Accept(ctx), "accept is a no-op on established connections")

	payload := map[string]any{
		"type":    "session.update",
		"session": map[string]any{"id": "abc", "count": float64(2)},
	}
	require.NoError(t, port.Send(ctx, payload))

	received, err := port.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, received)
}

func TestWebSocketPortRawTextFallback(t *testing.T) {
	server := echoServer(t)
	port := dialTestPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer port.Close(ctx)

	// Not valid JSON: survives the round trip as the raw string.
	require.NoError(t, port.Send(ctx, "plain text message"))

	received, err := port.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain text message", received)
}

func TestWebSocketPortStringSentVerbatim(t *testing.T) {
	server := echoServer(t)
	port := dialTestPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer port.Close(ctx)

	// A string that happens to be JSON is sent verbatim and decoded on
	// the way back in.
	require.NoError(t, port.Send(ctx, `{"already":"encoded"}`))

	received, err := port.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"already": "encoded"}, received)
}

func TestWebSocketPortBinary(t *testing.T) {
	server := echoServer(t)
	port := dialTestPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer port.Close(ctx)

	require.NoError(t, port.Send(ctx, []byte{0x01, 0x02, 0x03}))

	received, err := port.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, received)
}

func TestWebSocketPortCleanCloseIsClosedOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(server.Close)

	port := dialTestPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := port.Receive(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosedOK)
}

func TestWebSocketPortUnserializableMessage(t *testing.T) {
	server := echoServer(t)
	port := dialTestPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	defer port.Close(ctx)

	err := port.Send(ctx, map[string]any{"bad": func() {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not JSON serialisable")
}

func TestClientLabel(t *testing.T) {
	server := echoServer(t)
	port := dialTestPort(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(port, "")
	assert.Equal(t, "remote", client.Label)
	assert.Same(t, port, client.Port().(*WebSocketPort))

	labeled := NewClient(port, "openai")
	assert.Equal(t, "openai", labeled.Label)

	require.NoError(t, client.Send(ctx, "ping"))
	received, err := client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", received)

	require.NoError(t, client.Close(ctx))
}
