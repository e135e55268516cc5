// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
)

// Repository persists sessions, the usage ledger and mirrored todos.
type Repository interface {
	// CreateSession inserts a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session. Returns domain.ErrSessionNotFound when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns one page of sessions matching filter and the total match count.
	ListSessions(ctx context.Context, filter domain.SessionFilter) ([]*domain.Session, int, error)

	// SaveSessionState writes the non-metric fields of a session. Terminal
	// statuses and completion/termination timestamps are never overwritten.
	SaveSessionState(ctx context.Context, session *domain.Session) error

	// AddSessionMetrics applies an additive counter update.
	AddSessionMetrics(ctx context.Context, id string, delta domain.MetricsDelta) error

	// RecordUsageStep inserts the step and applies its metrics to the owning
	// session in one transaction. It returns false, without changing anything,
	// when the step id was already recorded.
	RecordUsageStep(ctx context.Context, step *domain.UsageStep) (bool, error)

	// GetUsageStep retrieves a step. Returns domain.ErrStepNotFound when absent.
	GetUsageStep(ctx context.Context, stepID string) (*domain.UsageStep, error)

	// ListUsageSteps returns a session's steps in insertion order.
	ListUsageSteps(ctx context.Context, sessionID string) ([]*domain.UsageStep, error)

	// ReplaceTodos overwrites the todo list mirrored for a session.
	ReplaceTodos(ctx context.Context, sessionID string, todos []domain.Todo) error

	// ListTodos returns the todo list mirrored for a session.
	ListTodos(ctx context.Context, sessionID string) ([]domain.Todo, error)

	// DeleteSession removes a session and its todos. Usage steps are kept.
	DeleteSession(ctx context.Context, id string) error

	// Stats aggregates counts and totals over all sessions.
	Stats(ctx context.Context) (*domain.SessionStats, error)

	// MarkOrphanedSessions moves sessions left mid-execution by a previous
	// process to the error state.
	MarkOrphanedSessions(ctx context.Context, reason string) (int64, error)

	// DeleteExpiredEphemeral removes terminal ephemeral sessions last updated before cutoff.
	DeleteExpiredEphemeral(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
