package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates an operation was attempted on a closed session.
	ErrClosed = errors.New("session is closed")

	// ErrNoUserPort indicates Initialize was called without a user transport
	// port attached.
	ErrNoUserPort = errors.New("no user transport port configured for realtime session")

	// ErrInvalidHandler indicates a nil handler was registered.
	ErrInvalidHandler = errors.New("event handler must not be nil")

	// ErrHandshakeTimeout indicates the upstream did not send its handshake
	// within the receive timeout.
	ErrHandshakeTimeout = errors.New("timed out waiting for upstream session handshake")
)

// SessionError wraps session lifecycle failures (missing configuration,
// invalid upstream port, renderer failures) with context.
type SessionError struct {
	Msg string
	Err error
}

// Error returns the formatted message.
func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("session error: %s", e.Msg)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

func newSessionError(msg string, err error) *SessionError {
	return &SessionError{Msg: msg, Err: err}
}

// HandlerError wraps a failure raised by a single event handler.
type HandlerError struct {
	// Event is the name of the event that triggered the handler.
	Event string
	// Token identifies the registration that failed.
	Token *HandlerToken
	// Err is the handler's original error.
	Err error
}

// Error returns the formatted message.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed while processing event %q: %v", e.Event, e.Err)
}

// Unwrap returns the handler's original error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// DispatchError aggregates the handler errors collected during a single
// Emit. Successful handler results are still returned alongside it.
type DispatchError struct {
	Event  string
	Errors []*HandlerError
}

// Error returns the formatted message.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("encountered %d error(s) while emitting %q", len(e.Errors), e.Event)
}

// Unwrap exposes the individual handler errors to errors.Is / errors.As.
func (e *DispatchError) Unwrap() []error {
	unwrapped := make([]error, len(e.Errors))
	for i, handlerErr := range e.Errors {
		unwrapped[i] = handlerErr
	}
	return unwrapped
}
