package session

import (
	"context"
	"fmt"
	"time"

	"github.com/BitBrujo/rigger/internal/cancel"
	"github.com/BitBrujo/rigger/internal/domain"
)

const restorePageSize = 200

// scheduleCleanup arranges for a terminal session to be forgotten: its
// replay buffer always, its record too when the session is ephemeral.
func (m *Manager) scheduleCleanup(id string, pattern domain.SessionPattern) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.cleanups[id]; ok {
		t.Stop()
	}
	m.cleanups[id] = time.AfterFunc(m.cfg.EphemeralDeleteDelay, func() {
		m.cleanup(id, pattern)
	})
}

func (m *Manager) cleanup(id string, pattern domain.SessionPattern) {
	m.mu.Lock()
	delete(m.cleanups, id)
	m.mu.Unlock()

	if m.Running(id) {
		m.logger.Warn("Skipping cleanup of busy session", "session_id", id)
		return
	}
	m.hub.Forget(id)
	if pattern != domain.PatternEphemeral {
		return
	}
	ctx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := m.repo.DeleteSession(ctx, id); err != nil {
		m.logger.Error("Failed to delete ephemeral session", "session_id", id, "error", err)
		return
	}
	m.logger.Info("Ephemeral session deleted", "session_id", id)
}

// RestoreReport summarises startup recovery.
type RestoreReport struct {
	Orphaned int64
	Loaded   int
}

// Restore marks sessions interrupted by a previous process as failed and
// loads idle long-running sessions and never-started sessions back into
// memory.
func (m *Manager) Restore(ctx context.Context) (*RestoreReport, error) {
	orphaned, err := m.repo.MarkOrphanedSessions(ctx, domain.ReasonProcessRestart)
	if err != nil {
		return nil, fmt.Errorf("mark orphaned sessions: %w", err)
	}
	report := &RestoreReport{Orphaned: orphaned}

	filters := []domain.SessionFilter{
		{Status: domain.StatusIdle, Pattern: domain.PatternLongRunning},
		{Status: domain.StatusInitializing},
	}
	for _, filter := range filters {
		n, err := m.restorePages(ctx, filter)
		if err != nil {
			return nil, err
		}
		report.Loaded += n
	}

	m.logger.Info("Sessions restored", "orphaned", report.Orphaned, "loaded", report.Loaded)
	return report, nil
}

func (m *Manager) restorePages(ctx context.Context, filter domain.SessionFilter) (int, error) {
	filter.Limit = restorePageSize
	loaded := 0
	for {
		page, total, err := m.repo.ListSessions(ctx, filter)
		if err != nil {
			return loaded, fmt.Errorf("list %s sessions: %w", filter.Status, err)
		}
		m.mu.Lock()
		for _, s := range page {
			if _, ok := m.entries[s.ID]; !ok {
				m.entries[s.ID] = &entry{session: s}
				loaded++
			}
		}
		m.mu.Unlock()
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			return loaded, nil
		}
	}
}

// Shutdown stops every running execution cooperatively and waits for them
// until ctx ends; what remains is force-released. Pending cleanups are
// cancelled and the next process purges expired ephemeral records.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, t := range m.cleanups {
		t.Stop()
		delete(m.cleanups, id)
	}
	m.mu.Unlock()

	running := m.registry.Len()
	m.logger.Info("Stopping running executions", "count", running)
	for _, s := range m.Snapshot() {
		if m.Running(s.ID) {
			if _, err := m.Terminate(context.WithoutCancel(ctx), s.ID, domain.ReasonShutdown); err != nil {
				m.logger.Warn("Failed to stop session", "session_id", s.ID, "error", err)
			}
		}
	}

	var err error
	select {
	case <-waitGroupDone(&m.executions):
	case <-ctx.Done():
		err = ctx.Err()
		m.logger.Warn("Shutdown deadline reached, releasing executions", "remaining", m.registry.Len())
		m.registry.Each(func(t *cancel.Token) {
			m.registry.ForceRelease(t.SessionID(), domain.ReasonShutdown)
		})
		select {
		case <-waitGroupDone(&m.executions):
		case <-time.After(m.cfg.DrainTimeout):
			m.logger.Error("Executions did not unwind after release", "remaining", m.registry.Len())
		}
	}
	<-waitGroupDone(&m.sideWrites)
	return err
}
