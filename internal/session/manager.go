// Package session owns the session state machine. The Manager keeps live
// sessions in memory, persists every change through the store and drives
// one stream translator per running execution.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BitBrujo/rigger/internal/cancel"
	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/engine"
	"github.com/BitBrujo/rigger/internal/store"
	"github.com/BitBrujo/rigger/internal/stream"
	"github.com/google/uuid"
)

// Config holds manager defaults and timings.
type Config struct {
	DefaultPattern       domain.SessionPattern
	DefaultMaxIdleTime   time.Duration
	DefaultMaxLifetime   time.Duration
	DefaultMaxBudgetUSD  float64
	DefaultMaxTurns      int
	StopEscalationWindow time.Duration
	EphemeralDeleteDelay time.Duration
	DrainTimeout         time.Duration
	TodoWriteTimeout     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPattern:       domain.PatternLongRunning,
		StopEscalationWindow: 5 * time.Second,
		EphemeralDeleteDelay: 5 * time.Minute,
		DrainTimeout:         2 * time.Second,
		TodoWriteTimeout:     5 * time.Second,
	}
}

// Reclaimer kills engine-side resources a force-kill leaves behind.
type Reclaimer interface {
	Reclaim(ctx context.Context, sessionID string) (int, error)
}

// Observer receives lifecycle signals for metrics.
type Observer interface {
	SessionCreated(pattern domain.SessionPattern)
	SessionEnded(status domain.SessionStatus, reason string)
	StepRecorded(step *domain.UsageStep, inserted bool)
	ExecutionStarted()
	ExecutionFinished(terminal stream.EventType, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) SessionCreated(domain.SessionPattern) {}
func (noopObserver) SessionEnded(domain.SessionStatus, string) {}
func (noopObserver) StepRecorded(*domain.UsageStep, bool) {}
func (noopObserver) ExecutionStarted() {}
func (noopObserver) ExecutionFinished(stream.EventType, time.Duration) {}

// Options wires the manager's collaborators. Repo, Engine and Hub are required.
type Options struct {
	Repo      store.Repository
	Engine    engine.Engine
	Hub       *stream.Hub
	Registry  *cancel.Registry
	Reclaimer Reclaimer
	Observer  Observer
	Config    Config
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager is the session lifecycle orchestrator.
type Manager struct {
	repo      store.Repository
	engine    engine.Engine
	hub       *stream.Hub
	registry  *cancel.Registry
	reclaimer Reclaimer
	observer  Observer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	// An entry's mu may be held while taking mu, never the reverse.
	mu       sync.Mutex
	entries  map[string]*entry
	cleanups map[string]*time.Timer
	closed   bool

	executions sync.WaitGroup
	sideWrites sync.WaitGroup
}

// entry is one live session. mu serializes every change to it, in memory
// and in the store.
type entry struct {
	mu      sync.Mutex
	session *domain.Session
	// done is closed when the running execution ends; nil when idle.
	done chan struct{}
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = cancel.NewRegistry()
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	def := DefaultConfig()
	if opts.Config.DefaultPattern == "" {
		opts.Config.DefaultPattern = def.DefaultPattern
	}
	if opts.Config.StopEscalationWindow <= 0 {
		opts.Config.StopEscalationWindow = def.StopEscalationWindow
	}
	if opts.Config.EphemeralDeleteDelay <= 0 {
		opts.Config.EphemeralDeleteDelay = def.EphemeralDeleteDelay
	}
	if opts.Config.DrainTimeout <= 0 {
		opts.Config.DrainTimeout = def.DrainTimeout
	}
	if opts.Config.TodoWriteTimeout <= 0 {
		opts.Config.TodoWriteTimeout = def.TodoWriteTimeout
	}
	return &Manager{
		repo:      opts.Repo,
		engine:    opts.Engine,
		hub:       opts.Hub,
		registry:  opts.Registry,
		reclaimer: opts.Reclaimer,
		observer:  opts.Observer,
		cfg:       opts.Config,
		logger:    opts.Logger,
		now:       opts.Now,
		entries:   make(map[string]*entry),
		cleanups:  make(map[string]*time.Timer),
	}
}

// CreateRequest describes a new session.
type CreateRequest struct {
	ConversationID string                `json:"conversation_id,omitempty"`
	Pattern        domain.SessionPattern `json:"pattern,omitempty"`
	Tags           []string              `json:"tags,omitempty"`
	Config         domain.RunConfig      `json:"config"`
}

// Create allocates and persists a new initializing session.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	if req.Pattern == "" {
		req.Pattern = m.cfg.DefaultPattern
	}
	if !req.Pattern.Valid() {
		return nil, fmt.Errorf("unknown session pattern %q: %w", req.Pattern, domain.ErrInvalidRequest)
	}
	m.applyDefaults(&req.Config)

	now := m.now()
	s := &domain.Session{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Status:         domain.StatusInitializing,
		Pattern:        req.Pattern,
		Tags:           req.Tags,
		Config:         req.Config,
		ToolsUsed:      []string{},
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", errors.Join(domain.ErrPersistence, err))
	}

	m.mu.Lock()
	m.entries[s.ID] = &entry{session: s}
	m.mu.Unlock()

	m.observer.SessionCreated(s.Pattern)
	m.logger.Info("Session created", "session_id", s.ID, "pattern", s.Pattern, "conversation_id", s.ConversationID)
	return s.Clone(), nil
}

func (m *Manager) applyDefaults(cfg *domain.RunConfig) {
	if cfg.MaxIdleTimeMs <= 0 && m.cfg.DefaultMaxIdleTime > 0 {
		cfg.MaxIdleTimeMs = m.cfg.DefaultMaxIdleTime.Milliseconds()
	}
	if cfg.MaxLifetimeMs <= 0 && m.cfg.DefaultMaxLifetime > 0 {
		cfg.MaxLifetimeMs = m.cfg.DefaultMaxLifetime.Milliseconds()
	}
	if cfg.MaxBudgetUSD <= 0 {
		cfg.MaxBudgetUSD = m.cfg.DefaultMaxBudgetUSD
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = m.cfg.DefaultMaxTurns
	}
}

// Get returns the live in-memory copy of a session, falling back to the store.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.session.Clone(), nil
	}
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// List returns one page of sessions and the total match count. Live
// sessions are reported with their in-memory state.
func (m *Manager) List(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, int, error) {
	sessions, total, err := m.repo.ListSessions(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	for i, s := range sessions {
		m.mu.Lock()
		e, ok := m.entries[s.ID]
		m.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		sessions[i] = e.session.Clone()
		e.mu.Unlock()
	}
	return sessions, total, nil
}

// UpdateStatus moves a session along a state machine edge. Setting the
// current status again is a no-op.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus) (*domain.Session, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", status, domain.ErrInvalidRequest)
	}
	return m.mutate(ctx, id, func(s *domain.Session) (bool, error) {
		return m.transition(s, status)
	})
}

// UpdateMetrics adds delta to the session's counters.
func (m *Manager) UpdateMetrics(ctx context.Context, id string, delta domain.MetricsDelta) (*domain.Session, error) {
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := m.repo.AddSessionMetrics(ctx, id, delta); err != nil {
		return nil, fmt.Errorf("update metrics: %w", err)
	}
	e.session.Apply(delta)
	return e.session.Clone(), nil
}

// SetCurrentTool records the executing tool; an empty name clears it.
func (m *Manager) SetCurrentTool(ctx context.Context, id, name string) (*domain.Session, error) {
	return m.mutate(ctx, id, func(s *domain.Session) (bool, error) {
		if s.Status.IsTerminal() || s.CurrentTool == name {
			return false, nil
		}
		s.CurrentTool = name
		s.AddTool(name)
		return true, nil
	})
}

// Delete removes a session record and its todos. Running sessions must be
// stopped first.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, running := m.registry.Get(id); running {
		return fmt.Errorf("delete running session %s: %w", id, domain.ErrInvalidState)
	}
	m.mu.Lock()
	delete(m.entries, id)
	if t, ok := m.cleanups[id]; ok {
		t.Stop()
		delete(m.cleanups, id)
	}
	m.mu.Unlock()

	m.hub.Forget(id)
	if err := m.repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.logger.Info("Session deleted", "session_id", id)
	return nil
}

// Stats aggregates stored sessions and adds live counts.
func (m *Manager) Stats(ctx context.Context) (*domain.SessionStats, error) {
	stats, err := m.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	m.mu.Lock()
	stats.Live = len(m.entries)
	m.mu.Unlock()
	stats.Running = m.registry.Len()
	return stats, nil
}

// Snapshot returns copies of every live session.
func (m *Manager) Snapshot() []*domain.Session {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	out := make([]*domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.session.Clone())
		e.mu.Unlock()
	}
	return out
}

// Todos returns the task list mirrored for a session.
func (m *Manager) Todos(ctx context.Context, id string) ([]domain.Todo, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListTodos(ctx, id)
}

// Usage returns the ledger entries of a session.
func (m *Manager) Usage(ctx context.Context, id string) ([]*domain.UsageStep, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListUsageSteps(ctx, id)
}

// Running reports whether an execution is registered for the session.
func (m *Manager) Running(id string) bool {
	_, ok := m.registry.Get(id)
	return ok
}

// Hub exposes the event hub for reattaching clients.
func (m *Manager) Hub() *stream.Hub { return m.hub }

// load returns the session's entry. Non-terminal sessions found only in the
// store are adopted into memory; terminal ones get a detached entry.
func (m *Manager) load(ctx context.Context, id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e, nil
	}
	s, err := m.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	e := &entry{session: s}
	if !s.Status.IsTerminal() {
		m.entries[id] = e
	}
	return e, nil
}

// mutate applies fn under the entry lock and persists the result when fn
// reports a change.
func (m *Manager) mutate(ctx context.Context, id string, fn func(s *domain.Session) (bool, error)) (*domain.Session, error) {
	e, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.mutateLocked(ctx, e, fn)
}

func (m *Manager) mutateLocked(ctx context.Context, e *entry, fn func(s *domain.Session) (bool, error)) (*domain.Session, error) {
	before := e.session.Status
	changed, err := fn(e.session)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := m.repo.SaveSessionState(ctx, e.session); err != nil {
			return nil, fmt.Errorf("save session %s: %w", e.session.ID, errors.Join(domain.ErrPersistence, err))
		}
		if !before.IsTerminal() && e.session.Status.IsTerminal() {
			m.afterTerminalLocked(e)
		}
	}
	return e.session.Clone(), nil
}

// transition applies one state machine edge and its timestamps.
func (m *Manager) transition(s *domain.Session, to domain.SessionStatus) (bool, error) {
	if s.Status == to {
		return false, nil
	}
	if !domain.CanTransition(s.Status, to) {
		return false, fmt.Errorf("session %s cannot move from %s to %s: %w", s.ID, s.Status, to, domain.ErrInvalidState)
	}
	now := m.now()
	s.Status = to
	switch to {
	case domain.StatusActive:
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		s.LastActivityAt = now
	case domain.StatusIdle:
		s.CurrentTool = ""
	case domain.StatusStopping:
		if s.StopRequestedAt == nil {
			s.StopRequestedAt = &now
		}
	case domain.StatusCompleted:
		s.CompletedAt = &now
		s.CurrentTool = ""
	case domain.StatusTerminated, domain.StatusError:
		s.TerminatedAt = &now
		s.CurrentTool = ""
	}
	return true, nil
}

// afterTerminalLocked runs once when a session reaches a terminal state.
func (m *Manager) afterTerminalLocked(e *entry) {
	s := e.session
	m.observer.SessionEnded(s.Status, s.TerminationReason)
	m.logger.Info("Session ended",
		"session_id", s.ID,
		"status", s.Status,
		"reason", s.TerminationReason,
		"total_cost_usd", s.TotalCostUSD,
		"num_turns", s.NumTurns,
	)
	if e.done == nil {
		m.dropEntry(s.ID, e)
	}
	m.scheduleCleanup(s.ID, s.Pattern)
}

// dropEntry forgets a finished session, unless a newer entry replaced it.
func (m *Manager) dropEntry(id string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[id]; ok && cur == e {
		delete(m.entries, id)
	}
}
