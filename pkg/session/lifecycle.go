package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"

	"github.com/dialtone-ai/rtbroker/pkg/openai"
	"github.com/dialtone-ai/rtbroker/pkg/transport"
)

// closeTimeout bounds the best-effort port closes during teardown.
const closeTimeout = 5 * time.Second

// Initialize connects the session to the upstream realtime service and
// starts the relay. The choreography, in order: resolve the connector and
// dial, await the upstream handshake (bounded by the receive timeout),
// accept the user port, forward the handshake to the user, send
// session.update, send the initial prompt material, mark the session active,
// and start the two relay pumps. A second call on an active session is a
// no-op; any failure tears the session down.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.phase == phaseActive || s.phase == phaseInitializing {
		s.mu.Unlock()
		return nil
	}
	if s.userPort == nil {
		s.mu.Unlock()
		return newSessionError("no user transport port configured", ErrNoUserPort)
	}
	s.phase = phaseInitializing
	s.mu.Unlock()

	if err := s.handshake(ctx); err != nil {
		s.Close()
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.phase = phaseActive
	s.pumpCancel = cancel
	s.mu.Unlock()

	go s.relayUpstreamToUser(pumpCtx)
	go s.relayUserToUpstream(pumpCtx)

	slog.Info("Session active", "session_id", s.ID)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	client, err := s.resolveUpstreamClient(ctx)
	if err != nil {
		return err
	}

	receiveCtx, cancel := context.WithTimeout(ctx, s.receiveTimeout)
	handshake, err := client.Receive(receiveCtx)
	timedOut := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(receiveCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			return newSessionError("upstream handshake", ErrHandshakeTimeout)
		}
		return newSessionError("failed to receive upstream handshake", err)
	}

	if err := s.userPort.Accept(ctx); err != nil {
		return newSessionError("failed to accept user connection", err)
	}
	if err := s.userPort.Send(ctx, handshake); err != nil {
		return newSessionError("failed to forward upstream handshake", err)
	}
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()

	if err := s.sendSessionUpdate(ctx, client); err != nil {
		return err
	}
	return s.sendInitialPrompt(ctx, client)
}

// resolveUpstreamClient consults the session-scoped connector when present,
// otherwise the process-wide registration.
func (s *Session) resolveUpstreamClient(ctx context.Context) (*transport.Client, error) {
	s.mu.Lock()
	if s.upstream != nil {
		client := s.upstream
		s.mu.Unlock()
		return client, nil
	}
	connector := s.connector
	s.mu.Unlock()

	if connector == nil {
		connector = openai.ActiveConnector()
	}

	port, err := connector(ctx)
	if err != nil {
		return nil, newSessionError("upstream connector failed", err)
	}
	if port == nil {
		return nil, newSessionError("upstream connector returned an invalid transport port", nil)
	}

	client := transport.NewClient(port, "openai")
	s.mu.Lock()
	s.upstream = client
	s.mu.Unlock()
	return client, nil
}

func (s *Session) sendSessionUpdate(ctx context.Context, client *transport.Client) error {
	payload := map[string]any{
		"type":    "session.update",
		"session": s.Snapshot(),
	}
	if err := client.Send(ctx, payload); err != nil {
		return newSessionError("failed to send session.update", err)
	}
	return nil
}

// sendInitialPrompt injects the rendered system message and questionnaire
// as a single user message, then requests a response. Nothing is sent when
// both render empty.
func (s *Session) sendInitialPrompt(ctx context.Context, client *transport.Client) error {
	message, err := s.renderInitialPrompt()
	if err != nil {
		return err
	}
	questionnaire, err := s.renderQuestionnaire()
	if err != nil {
		return err
	}
	if message == "" && questionnaire == "" {
		return nil
	}

	content := make([]map[string]any, 0, 2)
	if message != "" {
		content = append(content, map[string]any{
			"type": "input_text",
			"text": "<system>" + message + "</system>",
		})
	}
	if questionnaire != "" {
		content = append(content, map[string]any{
			"type": "input_text",
			"text": "<questionnaire>" + questionnaire + "</questionnaire>",
		})
	}

	payload := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "user",
			"content": content,
		},
	}
	if err := client.Send(ctx, payload); err != nil {
		return newSessionError("failed to send conversation.item.create", err)
	}
	if err := client.Send(ctx, map[string]any{"type": "response.create"}); err != nil {
		return newSessionError("failed to send response.create", err)
	}

	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()
	return nil
}

func (s *Session) renderInitialPrompt() (string, error) {
	if s.scaffold == nil {
		return "", nil
	}
	source := s.scaffold.InitialMessageTemplate()
	if strings.TrimSpace(source) == "" {
		return "", nil
	}

	tpl, err := pongo2.FromString(source)
	if err != nil {
		return "", newSessionError("failed to render agent initial message template", err)
	}
	rendered, err := tpl.Execute(pongo2.Context{"state": s.stateSnapshot()})
	if err != nil {
		return "", newSessionError("failed to render agent initial message template", err)
	}
	return strings.TrimSpace(rendered), nil
}

func (s *Session) renderQuestionnaire() (string, error) {
	if s.scaffold == nil {
		return "", nil
	}
	rendered, err := s.scaffold.RenderQuestionnaire(s.stateSnapshot())
	if err != nil {
		return "", newSessionError("failed to build questionnaire template", err)
	}
	return strings.TrimSpace(rendered), nil
}

// relayUpstreamToUser pumps upstream messages to the user in FIFO order
// until cancellation or a terminal transport condition.
func (s *Session) relayUpstreamToUser(ctx context.Context) {
	for {
		message, err := s.upstream.Receive(ctx)
		if err != nil {
			s.handleTransportFailure("openai->user", err)
			return
		}
		if err := s.userPort.Send(ctx, message); err != nil {
			s.handleTransportFailure("openai->user", err)
			return
		}
	}
}

// relayUserToUpstream pumps user messages upstream in FIFO order until
// cancellation or a terminal transport condition.
func (s *Session) relayUserToUpstream(ctx context.Context) {
	for {
		message, err := s.userPort.Receive(ctx)
		if err != nil {
			s.handleTransportFailure("user->openai", err)
			return
		}
		if err := s.upstream.Send(ctx, message); err != nil {
			s.handleTransportFailure("user->openai", err)
			return
		}
	}
}

// handleTransportFailure records the first fatal pump error and tears the
// session down. Cooperative cancellation is not a failure; a clean peer
// close ends the session without recording an error.
func (s *Session) handleTransportFailure(direction string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, transport.ErrClosedOK) {
		slog.Info("Relay closed cleanly", "session_id", s.ID, "direction", direction)
		s.Close()
		return
	}

	s.mu.Lock()
	if s.transportErr == nil {
		s.transportErr = fmt.Errorf("relay %s: %w", direction, err)
	}
	s.mu.Unlock()

	slog.Warn("Relay pump failed", "session_id", s.ID, "direction", direction, "error", err)
	s.Close()
}

// Close tears the session down: cancels the relay pumps, closes both ports
// best-effort, fails pending waiters with ErrClosed, and drops the handler
// and waiter registries. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.phase = phaseClosed
	cancel := s.pumpCancel
	upstream := s.upstream
	user := s.userPort
	for _, records := range s.handlers {
		for _, record := range records {
			record.token.active = false
		}
	}
	s.handlers = make(map[string][]*handlerRecord)
	s.waiters = make(map[string][]*waiter)
	// Waiters observe the close through the done channel.
	close(s.done)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	if upstream != nil {
		if err := upstream.Close(ctx); err != nil {
			slog.Debug("Error closing upstream port", "session_id", s.ID, "error", err)
		}
	}
	if user != nil {
		if err := user.Close(ctx); err != nil {
			slog.Debug("Error closing user port", "session_id", s.ID, "error", err)
		}
	}

	slog.Info("Session closed", "session_id", s.ID)
	return nil
}
