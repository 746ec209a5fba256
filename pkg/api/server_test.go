package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtone-ai/rtbroker/pkg/config"
	"github.com/dialtone-ai/rtbroker/pkg/openai"
	"github.com/dialtone-ai/rtbroker/pkg/transport"
)

// stubUpstream is a minimal upstream port: it hands out the handshake and
// records everything the broker sends.
type stubUpstream struct {
	mu        sync.Mutex
	sent      []any
	handshake chan any
	closed    chan struct{}
	closeOnce sync.Once
}

func newStubUpstream() *stubUpstream {
	up := &stubUpstream{
		handshake: make(chan any, 1),
		closed:    make(chan struct{}),
	}
	up.handshake <- map[string]any{"type": "session.created"}
	return up
}

func (u *stubUpstream) Accept(context.Context) error { return nil }

func (u *stubUpstream) Send(_ context.Context, message any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, message)
	return nil
}

func (u *stubUpstream) Receive(ctx context.Context) (any, error) {
	select {
	case message := <-u.handshake:
		return message, nil
	case <-u.closed:
		return nil, transport.ErrClosedOK
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *stubUpstream) Close(context.Context) error {
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *stubUpstream) sentMessages() []any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]any(nil), u.sent...)
}

func testConfig() *config.Config {
	cfg := &config.Config{
		LLM: map[string]any{"model": "gpt-realtime"},
		Agent: map[string]any{
			"type":                     "questionnaire",
			"initial_message_template": "Hello from {{state.agent_name|default:\"the broker\"}}",
		},
	}
	cfg.Server = config.DefaultServerConfig()
	return cfg
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(testConfig())

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/health", nil)
	server.Engine().ServeHTTP(recorder, request)

	require.Equal(t, http.StatusOK, recorder.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
	assert.NotEmpty(t, body["version"])
	assert.Equal(t, "DENY", recorder.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", recorder.Header().Get("X-Content-Type-Options"))
}

func TestWebSocketSessionEndToEnd(t *testing.T) {
	upstream := newStubUpstream()
	previous := openai.SetConnector(func(context.Context) (transport.Port, error) {
		return upstream, nil
	})
	defer openai.SetConnector(previous)

	server := NewServer(testConfig())
	httpServer := httptest.NewServer(server.Engine())
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws?session_id=test-session"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The forwarded handshake arrives first.
	var handshake map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &handshake))
	assert.Equal(t, map[string]any{"type": "session.created"}, handshake)

	// The broker sent the choreography upstream.
	deadline := time.After(5 * time.Second)
	for len(upstream.sentMessages()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("upstream received %d messages, want 3", len(upstream.sentMessages()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	sent := upstream.sentMessages()
	update := sent[0].(map[string]any)
	assert.Equal(t, "session.update", update["type"])
	assert.Equal(t, "test-session", update["session"].(map[string]any)["id"])
	assert.Equal(t, "conversation.item.create", sent[1].(map[string]any)["type"])
	assert.Equal(t, map[string]any{"type": "response.create"}, sent[2])

	// User traffic is relayed upstream.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "input_audio_buffer.append"}))
	deadline = time.After(5 * time.Second)
	for len(upstream.sentMessages()) < 4 {
		select {
		case <-deadline:
			t.Fatal("user message was not relayed upstream")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t,
		map[string]any{"type": "input_audio_buffer.append"},
		upstream.sentMessages()[3])

	// While the session lives it is registered.
	assert.Equal(t, 1, server.SessionCount())
}

func TestShutdownClosesSessions(t *testing.T) {
	upstream := newStubUpstream()
	previous := openai.SetConnector(func(context.Context) (transport.Port, error) {
		return upstream, nil
	})
	defer openai.SetConnector(previous)

	server := NewServer(testConfig())
	httpServer := httptest.NewServer(server.Engine())
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var handshake map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &handshake))
	require.Equal(t, 1, server.SessionCount())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	require.NoError(t, server.Shutdown(shutdownCtx))

	// The handler unregisters once the session tears down.
	deadline := time.After(5 * time.Second)
	for server.SessionCount() > 0 {
		select {
		case <-deadline:
			t.Fatal("session was not unregistered after shutdown")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
