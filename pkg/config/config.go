// Package config loads the broker configuration: typed server settings plus
// the free-form session config ("llm" and "agent" blocks) that flows into
// each session unchanged. Values come from broker.yaml in the config
// directory, with environment variables expanded via {{.VAR}} templates.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the broker configuration file within the config dir.
const ConfigFileName = "broker.yaml"

// ServerConfig holds the HTTP/WebSocket acceptance settings.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// ReceiveTimeout bounds the wait for the upstream handshake, parsed
	// from a duration string ("5s").
	ReceiveTimeout time.Duration `yaml:"-"`
	// AllowedWSOrigins lists additional WebSocket origin patterns.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// RawReceiveTimeout is the unparsed duration from YAML.
	RawReceiveTimeout string `yaml:"receive_timeout"`
}

// Config is the loaded broker configuration.
type Config struct {
	Server ServerConfig   `yaml:"server"`
	LLM    map[string]any `yaml:"llm"`
	Agent  map[string]any `yaml:"agent"`
}

// DefaultServerConfig returns the built-in server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		ReceiveTimeout: 5 * time.Second,
	}
}

// SessionConfig assembles the per-session config mapping handed to
// session.New. The caller receives fresh maps on every call.
func (c *Config) SessionConfig() map[string]any {
	sessionConfig := make(map[string]any, 2)
	if len(c.LLM) > 0 {
		sessionConfig["llm"] = copyMap(c.LLM)
	}
	if len(c.Agent) > 0 {
		sessionConfig["agent"] = copyMap(c.Agent)
	}
	return sessionConfig
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read broker.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML
//  4. Merge built-in server defaults
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"listen_addr", cfg.Server.ListenAddr,
		"receive_timeout", cfg.Server.ReceiveTimeout,
		"agent_type", cfg.Agent["type"])

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(ConfigFileName, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(ConfigFileName, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	defaults := DefaultServerConfig()
	if err := mergo.Merge(&cfg.Server, defaults); err != nil {
		return nil, fmt.Errorf("failed to merge server defaults: %w", err)
	}

	if cfg.Server.RawReceiveTimeout != "" {
		parsed, err := time.ParseDuration(cfg.Server.RawReceiveTimeout)
		if err != nil {
			slog.Warn("Invalid receive_timeout in server config, using default",
				"value", cfg.Server.RawReceiveTimeout,
				"default", defaults.ReceiveTimeout,
				"error", err)
		} else {
			cfg.Server.ReceiveTimeout = parsed
		}
	}
	if cfg.Server.ReceiveTimeout <= 0 {
		cfg.Server.ReceiveTimeout = defaults.ReceiveTimeout
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Server.ListenAddr == "" {
		return NewValidationError("server", "listen_addr", ErrMissingRequiredField)
	}

	// Sessions with a user port require an llm mapping; catch the problem at
	// startup rather than on the first connection.
	if len(cfg.LLM) == 0 {
		return NewValidationError("llm", "", ErrMissingRequiredField)
	}
	if model, ok := cfg.LLM["model"].(string); !ok || model == "" {
		return NewValidationError("llm", "model", ErrMissingRequiredField)
	}

	if len(cfg.Agent) > 0 {
		agentType, _ := cfg.Agent["type"].(string)
		if agentType != "" && agentType != "questionnaire" {
			return NewValidationError("agent", "type",
				fmt.Errorf("%w: unknown agent type %q", ErrInvalidValue, agentType))
		}
	}

	return nil
}

func copyMap(source map[string]any) map[string]any {
	copied := make(map[string]any, len(source))
	for key, value := range source {
		copied[key] = value
	}
	return copied
}
