// Package reaper enforces session limits independently of the event stream.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/session"
)

const (
	defaultInterval  = 60 * time.Second
	defaultStopGrace = 30 * time.Second
)

// Sessions is the part of the session manager the reaper drives.
type Sessions interface {
	Snapshot() []*domain.Session
	Terminate(ctx context.Context, id, reason string) (*session.StopTicket, error)
	ForceKill(ctx context.Context, id string) (*session.KillResult, error)
}

// Purger deletes expired ephemeral records.
type Purger interface {
	DeleteExpiredEphemeral(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reaper periodically sweeps live sessions.
type Reaper struct {
	Sessions Sessions
	Purger   Purger
	// Interval between sweeps.
	Interval time.Duration
	// StopGrace is how long a session may stay stopping before it is force-killed.
	StopGrace time.Duration
	// EphemeralRetention is the age after which terminal ephemeral records are purged.
	EphemeralRetention time.Duration
	Logger             *slog.Logger
	Now                func() time.Time
}

// Report summarises one sweep.
type Report struct {
	Checked     int
	Terminated  int
	ForceKilled int
	Failed      int
	Purged      int64
}

// Evaluate returns the termination reason for s at now, or "".
func Evaluate(s *domain.Session, now time.Time) string {
	return domain.CheckLimits(s, now)
}

// Start runs the sweep loop in a goroutine until ctx ends.
func (r *Reaper) Start(ctx context.Context) {
	go r.Run(ctx)
}

// Run sweeps every Interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	r.defaults()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	r.Logger.Info("Reaper started", "interval", r.Interval, "stop_grace", r.StopGrace)

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			r.Logger.Info("Reaper shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (r *Reaper) defaults() {
	if r.Interval <= 0 {
		r.Interval = defaultInterval
	}
	if r.StopGrace <= 0 {
		r.StopGrace = defaultStopGrace
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Now == nil {
		r.Now = time.Now
	}
}

// Sweep checks every live session once and purges expired ephemeral records.
// A failure on one session never stops the sweep.
func (r *Reaper) Sweep(ctx context.Context) Report {
	r.defaults()
	now := r.Now()
	var rep Report

	for _, s := range r.Sessions.Snapshot() {
		rep.Checked++
		action, err := r.reap(ctx, s, now)
		switch {
		case err != nil:
			rep.Failed++
			r.Logger.Error("Reaper failed to enforce limits", "session_id", s.ID, "status", s.Status, "error", err)
		case action == actionTerminate:
			rep.Terminated++
		case action == actionForceKill:
			rep.ForceKilled++
		}
	}

	if r.Purger != nil && r.EphemeralRetention > 0 {
		purged, err := r.Purger.DeleteExpiredEphemeral(ctx, now.Add(-r.EphemeralRetention))
		if err != nil {
			r.Logger.Error("Reaper failed to purge ephemeral sessions", "error", err)
		} else if purged > 0 {
			r.Logger.Info("Reaper purged ephemeral sessions", "count", purged)
		}
		rep.Purged = purged
	}

	if rep.Terminated > 0 || rep.ForceKilled > 0 || rep.Failed > 0 {
		r.Logger.Info("Reaper sweep completed",
			"checked", rep.Checked,
			"terminated", rep.Terminated,
			"force_killed", rep.ForceKilled,
			"failed", rep.Failed,
		)
	}
	return rep
}

type action int

const (
	actionNone action = iota
	actionTerminate
	actionForceKill
)

func (r *Reaper) reap(ctx context.Context, s *domain.Session, now time.Time) (act action, err error) {
	defer func() {
		if p := recover(); p != nil {
			act, err = actionNone, fmt.Errorf("panic while reaping: %v", p)
		}
	}()

	if s.Status == domain.StatusStopping && s.StopRequestedAt != nil && now.Sub(*s.StopRequestedAt) > r.StopGrace {
		r.Logger.Warn("Session stuck stopping, force-killing",
			"session_id", s.ID,
			"stopping_for", now.Sub(*s.StopRequestedAt))
		if _, err := r.Sessions.ForceKill(ctx, s.ID); err != nil {
			return actionNone, fmt.Errorf("force kill: %w", err)
		}
		return actionForceKill, nil
	}

	reason := Evaluate(s, now)
	if reason == "" {
		return actionNone, nil
	}
	r.Logger.Info("Session limit exceeded", "session_id", s.ID, "reason", reason)
	if _, err := r.Sessions.Terminate(ctx, s.ID, reason); err != nil {
		return actionNone, fmt.Errorf("terminate: %w", err)
	}
	return actionTerminate, nil
}
