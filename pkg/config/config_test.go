package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBrokerYAML(t *testing.T, content string) string {
	t.Helper()
	configDir := t.TempDir()
	err := os.WriteFile(filepath.Join(configDir, ConfigFileName), []byte(content), 0644)
	require.NoError(t, err)
	return configDir
}

func TestInitialize(t *testing.T) {
	configDir := writeBrokerYAML(t, `
server:
  listen_addr: ":9090"
  receive_timeout: "2s"
  allowed_ws_origins:
    - "app.example.com"
llm:
  model: "gpt-realtime"
  voice: "verse"
agent:
  type: "questionnaire"
  initial_message_template: "Hello {{state.agent_name}}"
`)

	ctx := context.Background()
	cfg, err := Initialize(ctx, configDir)

	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Second, cfg.Server.ReceiveTimeout)
	assert.Equal(t, []string{"app.example.com"}, cfg.Server.AllowedWSOrigins)
	assert.Equal(t, "gpt-realtime", cfg.LLM["model"])
	assert.Equal(t, "questionnaire", cfg.Agent["type"])
}

func TestInitializeDefaults(t *testing.T) {
	configDir := writeBrokerYAML(t, `
llm:
  model: "gpt-realtime"
`)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReceiveTimeout)
	assert.Empty(t, cfg.Server.AllowedWSOrigins)
}

func TestInitializeConfigNotFound(t *testing.T) {
	_, err := Initialize(context.Background(), "/nonexistent/directory")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestInitializeInvalidYAML(t *testing.T) {
	configDir := writeBrokerYAML(t, `{{{`)

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeMissingLLM(t *testing.T) {
	configDir := writeBrokerYAML(t, `
server:
  listen_addr: ":8080"
`)

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRequiredField)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "llm", validationErr.Section)
}

func TestInitializeMissingModel(t *testing.T) {
	configDir := writeBrokerYAML(t, `
llm:
  voice: "verse"
`)

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "model", validationErr.Field)
}

func TestInitializeUnknownAgentType(t *testing.T) {
	configDir := writeBrokerYAML(t, `
llm:
  model: "gpt-realtime"
agent:
  type: "teleporter"
`)

	_, err := Initialize(context.Background(), configDir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "teleporter")
}

func TestInitializeInvalidReceiveTimeoutFallsBack(t *testing.T) {
	configDir := writeBrokerYAML(t, `
server:
  receive_timeout: "not-a-duration"
llm:
  model: "gpt-realtime"
`)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Server.ReceiveTimeout)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("RT_MODEL", "gpt-realtime-mini")
	configDir := writeBrokerYAML(t, `
llm:
  model: "{{.RT_MODEL}}"
`)

	cfg, err := Initialize(context.Background(), configDir)
	require.NoError(t, err)
	assert.Equal(t, "gpt-realtime-mini", cfg.LLM["model"])
}

func TestSessionConfig(t *testing.T) {
	cfg := &Config{
		LLM:   map[string]any{"model": "gpt-realtime"},
		Agent: map[string]any{"type": "questionnaire"},
	}

	sessionConfig := cfg.SessionConfig()
	assert.Equal(t, map[string]any{"model": "gpt-realtime"}, sessionConfig["llm"])
	assert.Equal(t, map[string]any{"type": "questionnaire"}, sessionConfig["agent"])

	// Each call hands out fresh maps.
	sessionConfig["llm"].(map[string]any)["model"] = "mutated"
	assert.Equal(t, "gpt-realtime", cfg.SessionConfig()["llm"].(map[string]any)["model"])
}

func TestSessionConfigOmitsEmptyBlocks(t *testing.T) {
	cfg := &Config{LLM: map[string]any{"model": "m"}}

	sessionConfig := cfg.SessionConfig()
	assert.Contains(t, sessionConfig, "llm")
	assert.NotContains(t, sessionConfig, "agent")
}
