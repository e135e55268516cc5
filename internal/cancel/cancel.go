// Package cancel tracks the live cancellation handle of every running
// execution, at most one per session.
package cancel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrTokenExists is returned when a session already has a live token.
var ErrTokenExists = errors.New("execution already running for session")

// Token is the signalable handle of one execution.
type Token struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelCauseFunc

	mu       sync.Mutex
	signaled bool
	force    bool
	reason   string
	closers  []io.Closer
	released bool
}

func newToken(parent context.Context, sessionID string) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{sessionID: sessionID, ctx: ctx, cancel: cancel}
}

// SessionID returns the session the token belongs to.
func (t *Token) SessionID() string { return t.sessionID }

// Context is cancelled when the token is signaled or released.
func (t *Token) Context() context.Context { return t.ctx }

// Signal records the request and cancels the execution context. The first
// reason wins; a later forceful signal still upgrades force.
func (t *Token) Signal(reason string, force bool) {
	t.mu.Lock()
	if !t.signaled {
		t.signaled = true
		t.reason = reason
	}
	if force {
		t.force = true
	}
	t.mu.Unlock()
	t.cancel(&SignalError{Reason: reason, Force: force})
}

// Signaled reports whether Signal was called.
func (t *Token) Signaled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaled
}

// Reason returns the first signal reason and whether any signal was forceful.
func (t *Token) Reason() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.force
}

// Attach registers a closer reclaimed by Release. Attaching to a released
// token closes c immediately.
func (t *Token) Attach(c io.Closer) {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		closeQuietly(c, t.sessionID)
		return
	}
	t.closers = append(t.closers, c)
	t.mu.Unlock()
}

// Release closes every attached closer once and cancels the context.
func (t *Token) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	closers := t.closers
	t.closers = nil
	t.mu.Unlock()

	for _, c := range closers {
		closeQuietly(c, t.sessionID)
	}
	t.cancel(context.Canceled)
}

func closeQuietly(c io.Closer, sessionID string) {
	if err := c.Close(); err != nil {
		slog.Warn("failed to close execution resource", "session_id", sessionID, "error", err)
	}
}

// SignalError is the cancellation cause of a signaled token.
type SignalError struct {
	Reason string
	Force  bool
}

func (e *SignalError) Error() string {
	if e.Force {
		return "execution force-killed: " + e.Reason
	}
	return "execution stop requested: " + e.Reason
}

// Registry maps session ids to live tokens.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register creates the token for a new execution.
func (r *Registry) Register(parent context.Context, sessionID string) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[sessionID]; ok {
		return nil, ErrTokenExists
	}
	t := newToken(parent, sessionID)
	r.tokens[sessionID] = t
	return t, nil
}

// Get returns the live token for a session.
func (r *Registry) Get(sessionID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[sessionID]
	return t, ok
}

// Signal cooperatively signals the session's token. It reports whether a
// token was registered.
func (r *Registry) Signal(sessionID, reason string) bool {
	t, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	t.Signal(reason, false)
	return true
}

// ForceRelease signals forcefully and reclaims attached resources without
// waiting for the execution to unwind. It reports whether a token was registered.
func (r *Registry) ForceRelease(sessionID, reason string) bool {
	t, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	t.Signal(reason, true)
	t.Release()
	return true
}

// Deregister removes t if it is still the session's token.
func (r *Registry) Deregister(sessionID string, t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tokens[sessionID]; ok && cur == t {
		delete(r.tokens, sessionID)
	}
}

// Len returns the number of live tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Each calls fn for a snapshot of live tokens.
func (r *Registry) Each(fn func(*Token)) {
	r.mu.Lock()
	tokens := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		tokens = append(tokens, t)
	}
	r.mu.Unlock()
	for _, t := range tokens {
		fn(t)
	}
}
