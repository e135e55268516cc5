package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BitBrujo/rigger/internal/cancel"
	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/engine"
	"github.com/BitBrujo/rigger/internal/stream"
)

// RunRequest starts one execution. An empty SessionID creates a session
// from the remaining fields; otherwise the existing session is resumed and
// Pattern, Tags and Config are ignored.
type RunRequest struct {
	SessionID      string                `json:"session_id,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
	Pattern        domain.SessionPattern `json:"pattern,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
	Config         domain.RunConfig      `json:"config"`
	Message        string                `json:"message"`
}

// Execution is a running engine call. Events is subscribed before the
// first event is published; the caller must Close it.
type Execution struct {
	Session *domain.Session
	Resumed bool
	Events  *stream.Subscription

	done    chan struct{}
	outcome stream.Outcome
}

// Done is closed once the execution has fully unwound.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Outcome is valid after Done is closed.
func (x *Execution) Outcome() stream.Outcome {
	<-x.done
	return x.outcome
}

// Run resolves or creates the session and starts an execution. The engine
// call is detached from ctx so a disconnecting client never loses usage.
func (m *Manager) Run(ctx context.Context, req RunRequest) (*Execution, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("message is required: %w", domain.ErrInvalidRequest)
	}
	if m.isClosed() {
		return nil, fmt.Errorf("manager is shutting down: %w", domain.ErrInvalidState)
	}

	resumed := req.SessionID != ""
	id := req.SessionID
	if !resumed {
		s, err := m.Create(ctx, CreateRequest{
			ConversationID: req.ConversationID,
			Pattern:        req.Pattern,
			Tags:           req.Tags,
			Config:         req.Config,
		})
		if err != nil {
			return nil, err
		}
		id = s.ID
	}
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	token, err := m.registry.Register(context.Background(), id)
	if errors.Is(err, cancel.ErrTokenExists) {
		return nil, fmt.Errorf("run session %s: %w", id, domain.ErrSessionBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("register execution: %w", err)
	}
	abandon := func() {
		m.registry.Deregister(id, token)
		token.Release()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		abandon()
		return nil, fmt.Errorf("manager is shutting down: %w", domain.ErrInvalidState)
	}
	m.executions.Add(1)
	m.mu.Unlock()

	e.mu.Lock()
	s := e.session
	if s.Status.IsTerminal() || s.Status == domain.StatusStopping {
		status := s.Status
		e.mu.Unlock()
		abandon()
		m.executions.Done()
		return nil, fmt.Errorf("run session %s in status %s: %w", id, status, domain.ErrInvalidState)
	}
	s.LastActivityAt = m.now()
	if err := m.repo.SaveSessionState(ctx, s); err != nil {
		e.mu.Unlock()
		abandon()
		m.executions.Done()
		return nil, fmt.Errorf("save session %s: %w", id, errors.Join(domain.ErrPersistence, err))
	}
	x := &Execution{Session: s.Clone(), Resumed: resumed, done: make(chan struct{})}
	e.done = x.done
	e.mu.Unlock()

	x.Events, _ = m.hub.Subscribe(id, -1)
	m.hub.Publish(id, stream.Event{
		Type: stream.EventSessionCreated,
		Data: stream.SessionCreated{Session: x.Session, Resumed: resumed},
	})

	engineReq := engine.Request{SessionID: id, Prompt: req.Message, Config: x.Session.Config}
	if resumed {
		engineReq.ResumeRunID = x.Session.RunID
	}
	st, err := m.engine.Execute(token.Context(), engineReq)
	if err != nil {
		m.logger.Error("Failed to start engine execution", "session_id", id, "engine", m.engine.Name(), "error", err)
		hooks := &execHooks{m: m, e: e}
		hooks.Failed(context.WithoutCancel(ctx), id, err.Error())
		m.hub.Publish(id, stream.Event{
			Type: stream.EventError,
			Data: stream.Failure{Code: stream.CodeEngineFailure, Message: err.Error()},
		})
		x.outcome = stream.Outcome{Terminal: stream.EventError, Err: errors.Join(domain.ErrEngineFailure, err)}
		m.settle(e, token)
		close(x.done)
		m.executions.Done()
		return x, nil
	}
	token.Attach(st)

	m.observer.ExecutionStarted()
	m.logger.Info("Execution started", "session_id", id, "resumed", resumed, "engine", m.engine.Name())
	go m.drive(x, e, token, st, x.Session.ConversationID)
	return x, nil
}

func (m *Manager) drive(x *Execution, e *entry, token *cancel.Token, st engine.Stream, conversationID string) {
	defer m.executions.Done()
	id := token.SessionID()
	started := m.now()

	tr := &stream.Translator{
		SessionID:      id,
		ConversationID: conversationID,
		Stream:         st,
		Token:          token,
		Hooks:          &execHooks{m: m, e: e},
		Emit:           func(ev stream.Event) { m.hub.Publish(id, ev) },
		Logger:         m.logger,
		DrainTimeout:   m.cfg.DrainTimeout,
	}
	x.outcome = tr.Run()

	m.settle(e, token)
	close(x.done)

	elapsed := m.now().Sub(started)
	m.observer.ExecutionFinished(x.outcome.Terminal, elapsed)
	m.logger.Info("Execution finished",
		"session_id", id,
		"terminal", x.outcome.Terminal,
		"steps", len(x.outcome.StepIDs),
		"duration_ms", elapsed.Milliseconds(),
	)
}

// settle releases the execution and completes a stop the translator could
// not: a session left in stopping is terminated with the signal's reason.
func (m *Manager) settle(e *entry, token *cancel.Token) {
	token.Release()
	m.registry.Deregister(token.SessionID(), token)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = nil
	if e.session.Status == domain.StatusStopping {
		reason, _ := token.Reason()
		if reason == "" {
			reason = domain.ReasonUserRequested
		}
		ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if _, err := m.mutateLocked(ctx, e, func(s *domain.Session) (bool, error) {
			if s.TerminationReason == "" {
				s.TerminationReason = reason
			}
			return m.transition(s, domain.StatusTerminated)
		}); err != nil {
			m.logger.Error("Failed to settle stopped session", "session_id", e.session.ID, "error", err)
		}
	}
	if e.session.Status.IsTerminal() {
		m.dropEntry(e.session.ID, e)
	}
}

// execHooks applies translator side effects to one live session.
type execHooks struct {
	m *Manager
	e *entry
}

var _ stream.Hooks = (*execHooks)(nil)

func (h *execHooks) update(ctx context.Context, what string, fn func(s *domain.Session) (bool, error)) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	if _, err := h.m.mutateLocked(ctx, h.e, fn); err != nil {
		h.m.logger.Error("Failed to update session", "session_id", h.e.session.ID, "update", what, "error", err)
	}
}

func (h *execHooks) Started(ctx context.Context, _ string) {
	h.update(ctx, "started", func(s *domain.Session) (bool, error) {
		if s.Status != domain.StatusInitializing && s.Status != domain.StatusIdle {
			return false, nil
		}
		return h.m.transition(s, domain.StatusActive)
	})
}

func (h *execHooks) Touch(string) {
	h.e.mu.Lock()
	h.e.session.LastActivityAt = h.m.now()
	h.e.mu.Unlock()
}

func (h *execHooks) BindRunID(ctx context.Context, _, runID string) {
	h.update(ctx, "run_id", func(s *domain.Session) (bool, error) {
		if s.RunID != "" || runID == "" {
			return false, nil
		}
		s.RunID = runID
		return true, nil
	})
}

func (h *execHooks) ToolStarted(ctx context.Context, _, name string) {
	h.update(ctx, "tool_started", func(s *domain.Session) (bool, error) {
		if s.Status.IsTerminal() {
			return false, nil
		}
		s.CurrentTool = name
		s.AddTool(name)
		return true, nil
	})
}

func (h *execHooks) ToolFinished(ctx context.Context, _ string) {
	h.update(ctx, "tool_finished", func(s *domain.Session) (bool, error) {
		if s.CurrentTool == "" {
			return false, nil
		}
		s.CurrentTool = ""
		return true, nil
	})
}

// TodosWritten mirrors the task list in the background; failures are logged
// and never reach the stream.
func (h *execHooks) TodosWritten(sessionID string, todos []domain.Todo) {
	h.m.sideWrites.Add(1)
	go func() {
		defer h.m.sideWrites.Done()
		ctx, stop := context.WithTimeout(context.Background(), h.m.cfg.TodoWriteTimeout)
		defer stop()
		if err := h.m.repo.ReplaceTodos(ctx, sessionID, todos); err != nil {
			h.m.logger.Warn("Failed to mirror todos", "session_id", sessionID, "error", err)
		}
	}()
}

func (h *execHooks) RecordStep(ctx context.Context, step *domain.UsageStep) (bool, *domain.Session, error) {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	inserted, err := h.m.repo.RecordUsageStep(ctx, step)
	if err != nil {
		return false, nil, err
	}
	if inserted {
		h.e.session.Apply(step.Delta())
		for _, tool := range step.Tools {
			h.e.session.AddTool(tool)
		}
	}
	h.m.observer.StepRecorded(step, inserted)
	return inserted, h.e.session.Clone(), nil
}

// StepFinished ends the turn: ephemeral sessions complete, long-running ones
// go idle and are terminated at once when a usage limit is reached.
func (h *execHooks) StepFinished(ctx context.Context, _ string) {
	h.update(ctx, "step_finished", func(s *domain.Session) (bool, error) {
		if s.Status != domain.StatusActive && s.Status != domain.StatusIdle {
			return false, nil
		}
		if s.Pattern == domain.PatternEphemeral {
			return h.m.transition(s, domain.StatusCompleted)
		}
		changed, err := h.m.transition(s, domain.StatusIdle)
		if err != nil {
			return false, err
		}
		if reason := domain.UsageLimitBreach(s); reason != "" {
			h.m.logger.Info("Session limit reached", "session_id", s.ID, "reason", reason)
			if _, err := h.m.transition(s, domain.StatusStopping); err != nil {
				return false, err
			}
			s.TerminationReason = reason
			return h.m.transition(s, domain.StatusTerminated)
		}
		return changed, nil
	})
}

func (h *execHooks) Aborted(ctx context.Context, _, reason string, force bool) {
	if reason == "" {
		reason = domain.ReasonUserRequested
	}
	h.update(ctx, "aborted", func(s *domain.Session) (bool, error) {
		if s.Status.IsTerminal() {
			return false, nil
		}
		if _, err := h.m.transition(s, domain.StatusStopping); err != nil {
			return false, err
		}
		if s.TerminationReason == "" {
			s.TerminationReason = reason
		}
		s.StopRequested = true
		if force {
			s.ForceKillRequested = true
		}
		return h.m.transition(s, domain.StatusTerminated)
	})
}

func (h *execHooks) Failed(ctx context.Context, _, message string) {
	h.update(ctx, "failed", func(s *domain.Session) (bool, error) {
		if s.Status.IsTerminal() {
			return false, nil
		}
		s.ErrorMessage = message
		return h.m.transition(s, domain.StatusError)
	})
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// waitGroupDone returns a channel closed when wg reaches zero.
func waitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}
