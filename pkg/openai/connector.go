// Package openai dials the OpenAI realtime WebSocket endpoint and exposes
// the connector registration point the session core resolves connectors
// through. Alternate connectors (tests, legacy gateways) are installed
// process-wide with SetConnector.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"

	"github.com/coder/websocket"

	"github.com/dialtone-ai/rtbroker/pkg/transport"
	"github.com/dialtone-ai/rtbroker/pkg/version"
)

// DefaultRealtimeURL is the OpenAI realtime WebSocket endpoint.
const DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-realtime"

// ErrNotConfigured indicates the connector cannot run without credentials.
var ErrNotConfigured = errors.New("openai connector is not configured: set OPENAI_API_KEY")

// Connector is an asynchronous factory returning a connected transport port
// to the LLM realtime endpoint. It owns URL composition and credential
// headers.
type Connector func(ctx context.Context) (transport.Port, error)

var (
	connectorMu sync.RWMutex
	connector   Connector
)

// SetConnector installs a process-wide connector and returns the previously
// installed one (nil when the default was active). Passing nil restores the
// default. Callers swapping a connector for a bounded scope should reinstall
// the returned value afterwards.
func SetConnector(c Connector) Connector {
	connectorMu.Lock()
	defer connectorMu.Unlock()
	previous := connector
	connector = c
	return previous
}

// ActiveConnector returns the currently installed connector, falling back to
// the default Connect.
func ActiveConnector() Connector {
	connectorMu.RLock()
	defer connectorMu.RUnlock()
	if connector != nil {
		return connector
	}
	return Connect
}

// Connect dials the realtime endpoint using environment credentials:
// OPENAI_API_KEY (required), OPENAI_REALTIME_URL and OPENAI_REALTIME_MODEL
// (optional overrides).
func Connect(ctx context.Context) (transport.Port, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	endpoint := os.Getenv("OPENAI_REALTIME_URL")
	if endpoint == "" {
		endpoint = DefaultRealtimeURL
	}
	model := os.Getenv("OPENAI_REALTIME_MODEL")
	if model == "" {
		model = DefaultModel
	}

	target, err := composeURL(endpoint, model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")
	header.Set("User-Agent", version.Full())

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial openai realtime endpoint: %w", err)
	}

	return transport.NewWebSocketPort(conn), nil
}

func composeURL(endpoint, model string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid realtime endpoint %q: %w", endpoint, err)
	}
	query := parsed.Query()
	query.Set("model", model)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
