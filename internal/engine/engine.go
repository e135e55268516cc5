// Package engine is the boundary to the agentic execution engine. An
// execution is consumed as a pull-based Stream of tagged Messages that the
// caller closes to reclaim engine-side resources.
package engine

import (
	"context"
	"errors"

	"github.com/BitBrujo/rigger/internal/domain"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("engine stream closed")

// Request starts one execution.
type Request struct {
	SessionID string
	// ResumeRunID continues an earlier engine run when set.
	ResumeRunID string
	Prompt      string
	Config      domain.RunConfig
}

// Engine opens executions.
type Engine interface {
	// Execute starts an execution. The returned stream is bound to ctx.
	Execute(ctx context.Context, req Request) (Stream, error)

	// Name identifies the transport in logs and health output.
	Name() string
}

// Stream is one execution's ordered message sequence.
type Stream interface {
	// Next blocks for the next message and returns io.EOF once the engine
	// finished cleanly. Ending ctx asks the engine to stop; Next reports
	// ctx.Err() once the engine has unwound, which may take as long as the
	// engine chooses.
	Next(ctx context.Context) (*Message, error)

	// Close reclaims the execution immediately. Safe to call more than once
	// and concurrently with Next.
	Close() error
}

// HealthChecker is implemented by engines that can report readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}
