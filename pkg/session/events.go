package session

import (
	"context"
	"sort"
	"time"
)

// Fields carries optional key/value payload on an emitted event. When the
// final argument to Emit is a Fields value it becomes the event's field map
// instead of a positional argument.
type Fields map[string]any

// Event is the immutable record of a single emission.
type Event struct {
	// Name is the emitted event name.
	Name string
	// Args holds the positional payload.
	Args []any
	// Results holds the return values of the successful handlers, in
	// dispatch order. Nil on the copy handlers receive during dispatch.
	Results []any

	fields Fields
}

// Fields returns a copy of the event's key/value payload.
func (e *Event) Fields() Fields {
	copied := make(Fields, len(e.fields))
	for key, value := range e.fields {
		copied[key] = value
	}
	return copied
}

// Field returns a single payload value.
func (e *Event) Field(key string) (any, bool) {
	value, ok := e.fields[key]
	return value, ok
}

// Handler processes an emitted event. Handlers run sequentially in priority
// order; a handler's error is collected and does not stop its siblings.
type Handler func(ctx context.Context, e *Event) (any, error)

// HandlerOption customises handler registration.
type HandlerOption func(*handlerRecord)

// WithPriority sets the handler's priority. Higher priorities run first;
// ties preserve registration order.
func WithPriority(priority int) HandlerOption {
	return func(r *handlerRecord) { r.priority = priority }
}

type handlerRecord struct {
	fn       Handler
	once     bool
	priority int
	seq      uint64
	token    *HandlerToken
}

// HandlerToken identifies a registration and can cancel it without keeping a
// reference to the callback.
type HandlerToken struct {
	session *Session
	event   string
	active  bool
}

// Active reports whether the registration is still in place.
func (t *HandlerToken) Active() bool {
	t.session.mu.Lock()
	defer t.session.mu.Unlock()
	return t.active
}

// Cancel removes the registration. Safe to call more than once.
func (t *HandlerToken) Cancel() {
	t.session.Off(t.event, t)
}

type waiter struct {
	ch        chan *Event
	predicate func(*Event) bool
}

// On registers a handler for an event and returns its token.
func (s *Session) On(event string, fn Handler, opts ...HandlerOption) (*HandlerToken, error) {
	return s.register(event, fn, false, opts...)
}

// Once registers a handler that is removed after its first invocation,
// whether it succeeds or fails.
func (s *Session) Once(event string, fn Handler, opts ...HandlerOption) (*HandlerToken, error) {
	return s.register(event, fn, true, opts...)
}

func (s *Session) register(event string, fn Handler, once bool, opts ...HandlerOption) (*HandlerToken, error) {
	if fn == nil {
		return nil, ErrInvalidHandler
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	token := &HandlerToken{session: s, event: event, active: true}
	record := &handlerRecord{fn: fn, once: once, seq: s.handlerSeq, token: token}
	s.handlerSeq++
	for _, opt := range opts {
		opt(record)
	}

	records := append(s.handlers[event], record)
	// Priority descending, stable on registration order.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].priority != records[j].priority {
			return records[i].priority > records[j].priority
		}
		return records[i].seq < records[j].seq
	})
	s.handlers[event] = records

	return token, nil
}

// Off removes the registration identified by token from event. It returns
// the number of handlers removed (0 or 1).
func (s *Session) Off(event string, token *HandlerToken) int {
	if token == nil {
		return s.OffAll(event)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(event, token)
}

// OffAll removes every handler registered for event and returns the count.
func (s *Session) OffAll(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.handlers[event]
	for _, record := range records {
		record.token.active = false
	}
	delete(s.handlers, event)
	return len(records)
}

func (s *Session) removeLocked(event string, token *HandlerToken) int {
	records := s.handlers[event]
	remaining := records[:0]
	removed := 0
	for _, record := range records {
		if record.token == token {
			record.token.active = false
			removed++
			continue
		}
		remaining = append(remaining, record)
	}
	if len(remaining) == 0 {
		delete(s.handlers, event)
	} else {
		s.handlers[event] = remaining
	}
	return removed
}

// Emit dispatches an event to its handlers sequentially in priority order.
// Handler failures are collected rather than aborting the dispatch; when at
// least one handler failed the collected results are returned together with
// a *DispatchError aggregating the failures. Waiters whose predicate accepts
// the emission are resolved after dispatch.
func (s *Session) Emit(ctx context.Context, event string, args ...any) ([]any, error) {
	args, fields := splitFields(args)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	// Snapshot the handler list so registrations made during dispatch do not
	// run in this emission, and so no lock is held across callbacks.
	records := append([]*handlerRecord(nil), s.handlers[event]...)
	s.mu.Unlock()

	dispatched := &Event{Name: event, Args: args, fields: fields}

	if len(records) == 0 {
		s.finishEmit(event, &Event{Name: event, Args: args, fields: fields, Results: []any{}})
		return []any{}, nil
	}

	results := make([]any, 0, len(records))
	var handlerErrs []*HandlerError
	var onceTokens []*HandlerToken

	for _, record := range records {
		outcome, err := record.fn(ctx, dispatched)
		if err != nil {
			handlerErrs = append(handlerErrs, &HandlerError{Event: event, Token: record.token, Err: err})
		} else {
			results = append(results, outcome)
		}
		if record.once {
			onceTokens = append(onceTokens, record.token)
		}
	}

	s.mu.Lock()
	if !s.closed {
		for _, token := range onceTokens {
			s.removeLocked(event, token)
		}
	}
	s.mu.Unlock()

	s.finishEmit(event, &Event{Name: event, Args: args, fields: fields, Results: append([]any(nil), results...)})

	if len(handlerErrs) > 0 {
		return results, &DispatchError{Event: event, Errors: handlerErrs}
	}
	return results, nil
}

// PendingEmit is the handle returned by EmitNowait.
type PendingEmit struct {
	done    chan struct{}
	results []any
	err     error
}

// Wait blocks until the emission completes or the context is cancelled.
func (p *PendingEmit) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-p.done:
		return p.results, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmitNowait schedules Emit to run concurrently and returns a handle to the
// eventual result.
func (s *Session) EmitNowait(ctx context.Context, event string, args ...any) *PendingEmit {
	pending := &PendingEmit{done: make(chan struct{})}
	go func() {
		defer close(pending.done)
		pending.results, pending.err = s.Emit(ctx, event, args...)
	}()
	return pending
}

// WaitFor blocks until an emission of event satisfies the predicate (nil
// matches the first emission), the timeout expires (timeout <= 0 waits
// indefinitely), the context is cancelled, or the session closes.
func (s *Session) WaitFor(ctx context.Context, event string, predicate func(*Event) bool, timeout time.Duration) (*Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	w := &waiter{ch: make(chan *Event, 1), predicate: predicate}
	s.waiters[event] = append(s.waiters[event], w)
	s.mu.Unlock()

	defer s.removeWaiter(event, w)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case emitted := <-w.ch:
		return emitted, nil
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finishEmit notifies waiters and records activity after a dispatch.
func (s *Session) finishEmit(event string, emitted *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	waiters := s.waiters[event]
	remaining := waiters[:0]
	for _, w := range waiters {
		if w.predicate != nil && !w.predicate(emitted) {
			remaining = append(remaining, w)
			continue
		}
		select {
		case w.ch <- emitted:
		default:
			// Waiter already satisfied by an earlier emission.
		}
	}
	if len(remaining) == 0 {
		delete(s.waiters, event)
	} else {
		s.waiters[event] = remaining
	}

	s.touchLocked()
}

func (s *Session) removeWaiter(event string, target *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := s.waiters[event]
	remaining := waiters[:0]
	for _, w := range waiters {
		if w != target {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(s.waiters, event)
	} else {
		s.waiters[event] = remaining
	}
}

func splitFields(args []any) ([]any, Fields) {
	if len(args) == 0 {
		return nil, nil
	}
	if fields, ok := args[len(args)-1].(Fields); ok {
		return args[:len(args)-1], fields
	}
	return args, nil
}
