// Package session implements the core of the realtime session broker: a
// stateful event bus plus the lifecycle machinery that connects a downstream
// user transport to the upstream LLM realtime service, injects the initial
// prompt material, and relays traffic in both directions until teardown.
//
// A Session serializes all of its mutable state behind one mutex; no lock is
// ever held across a handler callback or a transport operation.
package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialtone-ai/rtbroker/pkg/openai"
	"github.com/dialtone-ai/rtbroker/pkg/scaffolding"
	"github.com/dialtone-ai/rtbroker/pkg/transport"
)

// DefaultReceiveTimeout bounds the wait for the upstream handshake message.
const DefaultReceiveTimeout = 5 * time.Second

// phase is the lifecycle state of a session.
type phase int

const (
	phaseNew phase = iota
	phaseInitializing
	phaseActive
	phaseClosed
)

// Session mediates one conversational session between a user transport port
// and the upstream LLM realtime service.
type Session struct {
	// ID is the opaque session identifier (128-bit hex).
	ID string
	// CreatedAt is the UTC construction instant.
	CreatedAt time.Time

	mu         sync.Mutex
	updatedAt  time.Time
	state      map[string]any
	metadata   map[string]any
	config     map[string]any
	handlers   map[string][]*handlerRecord
	waiters    map[string][]*waiter
	handlerSeq uint64
	closed     bool
	phase      phase
	done       chan struct{}

	userPort       transport.Port
	upstream       *transport.Client
	connector      openai.Connector
	receiveTimeout time.Duration
	scaffold       scaffolding.Scaffolding
	llmConfig      map[string]any
	sessionTools   []map[string]any
	toolsCaptured  bool
	pumpCancel     context.CancelFunc
	transportErr   error
}

// Option customises session construction.
type Option func(*settings)

type settings struct {
	id             string
	metadata       map[string]any
	state          map[string]any
	userPort       transport.Port
	initState      map[string]any
	config         map[string]any
	llmConfig      map[string]any
	agentConfig    map[string]any
	connector      openai.Connector
	receiveTimeout time.Duration
}

// WithID sets an explicit session id instead of generating one.
func WithID(id string) Option {
	return func(s *settings) { s.id = id }
}

// WithMetadata seeds the session metadata.
func WithMetadata(metadata map[string]any) Option {
	return func(s *settings) { s.metadata = metadata }
}

// WithState seeds the session state.
func WithState(state map[string]any) Option {
	return func(s *settings) { s.state = state }
}

// WithUserPort attaches the downstream user transport port. Initialize
// requires one.
func WithUserPort(port transport.Port) Option {
	return func(s *settings) { s.userPort = port }
}

// WithInitState merges additional entries into the state after seeding.
func WithInitState(initState map[string]any) Option {
	return func(s *settings) { s.initState = initState }
}

// WithConfig sets the full session config mapping.
func WithConfig(config map[string]any) Option {
	return func(s *settings) { s.config = config }
}

// WithLLMConfig sets config["llm"], overriding any value in the full config.
func WithLLMConfig(llmConfig map[string]any) Option {
	return func(s *settings) { s.llmConfig = llmConfig }
}

// WithAgentConfig sets config["agent"], overriding any value in the full
// config. A nested "scaffolding_kwargs" mapping is flattened into the agent
// config.
func WithAgentConfig(agentConfig map[string]any) Option {
	return func(s *settings) { s.agentConfig = agentConfig }
}

// WithConnector overrides the upstream connector for this session. Without
// it the session resolves the process-wide connector at Initialize time.
func WithConnector(connector openai.Connector) Option {
	return func(s *settings) { s.connector = connector }
}

// WithReceiveTimeout overrides the upstream handshake timeout.
func WithReceiveTimeout(timeout time.Duration) Option {
	return func(s *settings) { s.receiveTimeout = timeout }
}

// New constructs a session. When a user port is attached the config must
// carry an "llm" mapping; scaffolding is selected from the "agent" block and
// its questionnaire payload is primed eagerly.
func New(opts ...Option) (*Session, error) {
	cfg := &settings{receiveTimeout: DefaultReceiveTimeout}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.id
	if id == "" {
		raw := uuid.New()
		id = hex.EncodeToString(raw[:])
	}

	config := deepCopyMap(cfg.config)
	if cfg.llmConfig != nil {
		config["llm"] = deepCopyMap(cfg.llmConfig)
	}
	if cfg.agentConfig != nil {
		agent := deepCopyMap(cfg.agentConfig)
		if kwargs, ok := agent["scaffolding_kwargs"].(map[string]any); ok {
			delete(agent, "scaffolding_kwargs")
			for key, value := range kwargs {
				agent[key] = value
			}
		}
		config["agent"] = agent
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		CreatedAt:      now,
		updatedAt:      now,
		state:          deepCopyMap(cfg.state),
		metadata:       deepCopyMap(cfg.metadata),
		config:         config,
		handlers:       make(map[string][]*handlerRecord),
		waiters:        make(map[string][]*waiter),
		done:           make(chan struct{}),
		userPort:       cfg.userPort,
		connector:      cfg.connector,
		receiveTimeout: cfg.receiveTimeout,
	}

	if len(cfg.initState) > 0 {
		for key, value := range deepCopyMap(cfg.initState) {
			s.state[key] = value
		}
		s.updatedAt = time.Now().UTC()
	}

	if s.userPort != nil {
		llm, ok := config["llm"].(map[string]any)
		if !ok {
			return nil, newSessionError(`realtime sessions require a mapping under config["llm"]`, nil)
		}
		s.llmConfig = deepCopyMap(llm)
	}

	s.scaffold = scaffolding.NewFromConfig(config)
	if builder, ok := s.scaffold.(scaffolding.Builder); ok {
		if _, err := builder.BuildQuestionnaire(s.stateSnapshot()); err != nil {
			return nil, newSessionError("failed to build questionnaire during session setup", err)
		}
	}

	return s, nil
}

// Scaffolding returns the scaffolding selected for this session, nil when
// the config carries none.
func (s *Session) Scaffolding() scaffolding.Scaffolding {
	return s.scaffold
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done returns a channel closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// UpdatedAt returns the last-activity instant.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// TransportError returns the first fatal relay error, nil if none occurred.
func (s *Session) TransportError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportErr
}

// Get returns a state value.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.state[key]
	return value, ok
}

// Contains reports whether the state holds a key.
func (s *Session) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores a state value.
func (s *Session) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.state[key] = value
	s.touchLocked()
	return nil
}

// Delete removes a state key.
func (s *Session) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.state, key)
	s.touchLocked()
	return nil
}

// SetDefault stores fallback under key unless the key already exists, and
// returns the resulting value.
func (s *Session) SetDefault(key string, fallback any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if existing, ok := s.state[key]; ok {
		s.touchLocked()
		return existing, nil
	}
	s.state[key] = fallback
	s.touchLocked()
	return fallback, nil
}

// Update merges the given entries into the state.
func (s *Session) Update(entries map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for key, value := range entries {
		s.state[key] = value
	}
	s.touchLocked()
	return nil
}

// StateLen returns the number of state entries.
func (s *Session) StateLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state)
}

// State returns a deep copy of the session state.
func (s *Session) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.state)
}

// Metadata returns a deep copy of the session metadata.
func (s *Session) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.metadata)
}

// Config returns a deep copy of the session config.
func (s *Session) Config() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.config)
}

// Snapshot builds the session representation sent upstream in
// session.update. Everything mutable is deep-copied so later state changes
// never alias an already-sent message.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() map[string]any {
	snapshot := map[string]any{
		"id":         s.ID,
		"created_at": s.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": s.updatedAt.Format(time.RFC3339Nano),
		"state":      deepCopyMap(s.state),
		"metadata":   deepCopyMap(s.metadata),
	}
	if s.llmConfig != nil {
		snapshot["llm"] = deepCopyMap(s.llmConfig)
	}
	if len(s.config) > 0 {
		snapshot["config"] = deepCopyMap(s.config)
	}
	if tools := s.toolsSnapshotLocked(); len(tools) > 0 {
		snapshot["tools"] = tools
	}
	return snapshot
}

// toolsSnapshotLocked captures the scaffolding tool catalog once and clones
// it per snapshot.
func (s *Session) toolsSnapshotLocked() []any {
	if s.scaffold == nil {
		return nil
	}
	if !s.toolsCaptured {
		s.sessionTools = s.scaffold.Tools()
		s.toolsCaptured = true
	}
	tools := make([]any, 0, len(s.sessionTools))
	for _, tool := range s.sessionTools {
		tools = append(tools, deepCopyMap(tool))
	}
	return tools
}

func (s *Session) stateSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deepCopyMap(s.state)
}

func (s *Session) touchLocked() {
	s.updatedAt = time.Now().UTC()
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("Session(id=%s, created_at=%s, closed=%t)",
		s.ID, s.CreatedAt.Format(time.RFC3339), s.closed)
}
