package session

import (
	"context"
	"fmt"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
)

// StopTicket reports what a stop request did.
type StopTicket struct {
	Session *domain.Session `json:"session"`
	// Signaled is true when a running execution was asked to stop.
	Signaled bool `json:"signaled"`
	// AlreadyStopping is true when an earlier request is still unwinding.
	AlreadyStopping bool `json:"already_stopping"`
}

// StopOutcome describes a stop after an optional wait.
type StopOutcome struct {
	Session              *domain.Session `json:"session"`
	Stopped              bool            `json:"stopped"`
	ForceKillRecommended bool            `json:"force_kill_recommended"`
	Waited               time.Duration   `json:"waited_ns"`
}

// KillResult reports a force-kill.
type KillResult struct {
	Session *domain.Session `json:"session"`
	// Signaled is true when a running execution was released.
	Signaled bool `json:"signaled"`
	// EngineReclaimed is true when engine-side work is known to be gone.
	EngineReclaimed bool   `json:"engine_reclaimed"`
	Reclaimed       int    `json:"reclaimed,omitempty"`
	Warning         string `json:"warning,omitempty"`
}

// unreclaimedWarning is reported when nothing guarantees engine-side work died.
const unreclaimedWarning = "local resources were released; the engine may still be running work for this session"

// RequestStop asks the session's execution to stop cooperatively. It never
// waits for the engine. Sessions with nothing running are terminated at once.
func (m *Manager) RequestStop(ctx context.Context, id string) (*StopTicket, error) {
	return m.stop(ctx, id, domain.ReasonUserRequested, true)
}

// Terminate stops a session on behalf of a limit. Terminal sessions are left
// untouched.
func (m *Manager) Terminate(ctx context.Context, id, reason string) (*StopTicket, error) {
	return m.stop(ctx, id, reason, false)
}

func (m *Manager) stop(ctx context.Context, id, reason string, strict bool) (*StopTicket, error) {
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	s := e.session
	if s.Status.IsTerminal() {
		snapshot := s.Clone()
		e.mu.Unlock()
		if strict {
			return nil, fmt.Errorf("stop session %s in status %s: %w", id, snapshot.Status, domain.ErrInvalidState)
		}
		return &StopTicket{Session: snapshot}, nil
	}
	if s.Status == domain.StatusStopping {
		snapshot := s.Clone()
		e.mu.Unlock()
		return &StopTicket{Session: snapshot, AlreadyStopping: true}, nil
	}

	running := e.done != nil
	snapshot, err := m.mutateLocked(ctx, e, func(s *domain.Session) (bool, error) {
		if _, err := m.transition(s, domain.StatusStopping); err != nil {
			return false, err
		}
		s.StopRequested = true
		if s.TerminationReason == "" {
			s.TerminationReason = reason
		}
		if !running {
			if _, err := m.transition(s, domain.StatusTerminated); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ticket := &StopTicket{Session: snapshot}
	if running {
		ticket.Signaled = m.registry.Signal(id, reason)
	}
	m.logger.Info("Session stop requested", "session_id", id, "reason", reason, "running", running)
	return ticket, nil
}

// AwaitStop waits up to window for a stopping execution to unwind. A zero
// window selects the configured escalation window.
func (m *Manager) AwaitStop(ctx context.Context, id string, window time.Duration) (*StopOutcome, error) {
	if window <= 0 {
		window = m.cfg.StopEscalationWindow
	}
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()

	start := m.now()
	if done != nil {
		timer := time.NewTimer(window)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out, err := m.StopStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	out.Waited = m.now().Sub(start)
	return out, nil
}

// StopStatus reports whether a stop finished and whether the escalation
// window has passed without it.
func (m *Manager) StopStatus(ctx context.Context, id string) (*StopOutcome, error) {
	s, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := &StopOutcome{Session: s, Stopped: s.Status.IsTerminal()}
	if s.Status == domain.StatusStopping && s.StopRequestedAt != nil {
		out.ForceKillRecommended = m.now().Sub(*s.StopRequestedAt) >= m.cfg.StopEscalationWindow
	}
	return out, nil
}

// ForceKill terminates the session in one call and releases its execution
// without waiting. Engine-side work is reclaimed only as far as the engine
// stream and the configured reclaimer allow.
func (m *Manager) ForceKill(ctx context.Context, id string) (*KillResult, error) {
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.session.Status.IsTerminal() {
		snapshot := e.session.Clone()
		e.mu.Unlock()
		return &KillResult{Session: snapshot}, nil
	}
	snapshot, err := m.mutateLocked(ctx, e, func(s *domain.Session) (bool, error) {
		now := m.now()
		s.StopRequested = true
		s.ForceKillRequested = true
		if s.StopRequestedAt == nil {
			s.StopRequestedAt = &now
		}
		s.TerminationReason = domain.ReasonForceKilled
		s.CurrentTool = ""
		return m.transition(s, domain.StatusTerminated)
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	res := &KillResult{Session: snapshot}
	res.Signaled = m.registry.ForceRelease(id, domain.ReasonForceKilled)
	if res.Signaled {
		res.EngineReclaimed = m.engineOwnsProcess()
	}
	if m.reclaimer != nil {
		n, err := m.reclaimer.Reclaim(ctx, id)
		res.Reclaimed = n
		if err != nil {
			m.logger.Warn("Failed to reclaim engine resources", "session_id", id, "error", err)
		} else if n > 0 {
			res.EngineReclaimed = true
		}
	}
	if res.Signaled && !res.EngineReclaimed {
		res.Warning = unreclaimedWarning
	}
	m.logger.Warn("Session force-killed",
		"session_id", id,
		"signaled", res.Signaled,
		"engine_reclaimed", res.EngineReclaimed,
		"reclaimed", res.Reclaimed,
	)
	return res, nil
}

// processOwner is implemented by engines whose stream Close kills the
// engine's own process.
type processOwner interface {
	OwnsProcess() bool
}

func (m *Manager) engineOwnsProcess() bool {
	po, ok := m.engine.(processOwner)
	return ok && po.OwnsProcess()
}

// Complete moves a session to completed. Terminal sessions are left untouched.
func (m *Manager) Complete(ctx context.Context, id string) (*domain.Session, error) {
	return m.mutate(ctx, id, func(s *domain.Session) (bool, error) {
		if s.Status.IsTerminal() {
			return false, nil
		}
		return m.transition(s, domain.StatusCompleted)
	})
}

// Fail moves a session to error with message. Terminal sessions are left
// untouched.
func (m *Manager) Fail(ctx context.Context, id, message string) (*domain.Session, error) {
	return m.mutate(ctx, id, func(s *domain.Session) (bool, error) {
		if s.Status.IsTerminal() {
			return false, nil
		}
		s.ErrorMessage = message
		return m.transition(s, domain.StatusError)
	})
}
