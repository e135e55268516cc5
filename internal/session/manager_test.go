package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/engine/enginetest"
	"github.com/BitBrujo/rigger/internal/store"
	"github.com/BitBrujo/rigger/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lineInit   = `{"type":"system","subtype":"init","session_id":"run-1","model":"sonnet"}`
	lineDelta  = `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}}`
	lineRead   = `{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"tu_1","name":"Read"}}}`
	lineResult = `{"type":"result","subtype":"success","uuid":"abc","total_cost_usd":0.02,"num_turns":1,"usage":{"input_tokens":10,"output_tokens":4}}`
	lineTodos  = `{"type":"assistant","message":{"id":"m1","content":[{"type":"tool_use","id":"tu_9","name":"TodoWrite","input":{"todos":[{"content":"ship it","status":"in_progress","activeForm":"Shipping"}]}}]}}`
)

type harness struct {
	m    *Manager
	eng  *enginetest.Engine
	repo *store.SQLiteStore
}

func newHarness(t *testing.T, scripts ...enginetest.Script) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "rigger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	eng := enginetest.New(scripts...)
	m := NewManager(Options{
		Repo:   repo,
		Engine: eng,
		Hub:    stream.NewHub(0, nil),
		Config: Config{
			StopEscalationWindow: 50 * time.Millisecond,
			DrainTimeout:         50 * time.Millisecond,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{m: m, eng: eng, repo: repo}
}

// collect reads events until the terminal one.
func collect(t *testing.T, x *Execution) []stream.Event {
	t.Helper()
	defer x.Events.Close()
	timeout := time.After(3 * time.Second)
	var out []stream.Event
	for {
		select {
		case ev, ok := <-x.Events.C:
			if !ok {
				return out
			}
			out = append(out, ev)
			if ev.Type.IsTerminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal event after %d events", len(out))
		}
	}
}

func types(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func waitDone(t *testing.T, x *Execution) {
	t.Helper()
	select {
	case <-x.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not finish")
	}
}

func waitStatus(t *testing.T, m *Manager, id string, status domain.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := m.Get(context.Background(), id)
		return err == nil && s.Status == status
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunTranslatesAndGoesIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit, lineDelta, lineDelta, lineRead, lineResult}})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "hello", Tags: []string{"nightly"}})
	require.NoError(t, err)
	assert.False(t, x.Resumed)

	events := collect(t, x)
	waitDone(t, x)

	assert.Equal(t, []stream.EventType{
		stream.EventSessionCreated,
		stream.EventSystemInit,
		stream.EventContentDelta,
		stream.EventContentDelta,
		stream.EventToolStart,
		stream.EventDone,
	}, types(events))
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}

	s, err := h.m.Get(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, s.Status)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, []string{"Read"}, s.ToolsUsed)
	assert.Empty(t, s.CurrentTool)
	assert.InDelta(t, 0.02, s.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, s.NumTurns)
	assert.NotNil(t, s.StartedAt)

	stored, err := h.repo.GetSession(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, stored.Status)
	assert.InDelta(t, 0.02, stored.TotalCostUSD, 1e-9)
}

func TestRunDuplicateResultBilledOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit, lineResult, lineResult}})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "hello"})
	require.NoError(t, err)
	collect(t, x)
	waitDone(t, x)

	steps, err := h.m.Usage(ctx, x.Session.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "abc", steps[0].StepID)

	s, err := h.repo.GetSession(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, s.TotalCostUSD, 1e-9)
}

func TestRunEphemeralCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit, lineResult}})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "once", Pattern: domain.PatternEphemeral})
	require.NoError(t, err)
	collect(t, x)
	waitDone(t, x)

	s, err := h.m.Get(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.NotNil(t, s.CompletedAt)
	assert.Empty(t, h.m.Snapshot())
}

func TestRunMaxTurnsTerminatesInline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit, lineResult}})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "one turn", Config: domain.RunConfig{MaxTurns: 1}})
	require.NoError(t, err)
	collect(t, x)
	waitDone(t, x)

	s, err := h.m.Get(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, s.Status)
	assert.Equal(t, domain.ReasonMaxTurns, s.TerminationReason)
}

func TestRunResumesWithRunID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit, lineResult}})
	ctx := context.Background()

	first, err := h.m.Run(ctx, RunRequest{Message: "first"})
	require.NoError(t, err)
	collect(t, first)
	waitDone(t, first)

	second, err := h.m.Run(ctx, RunRequest{SessionID: first.Session.ID, Message: "second"})
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	collect(t, second)
	waitDone(t, second)

	reqs := h.eng.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].ResumeRunID)
	assert.Equal(t, "run-1", reqs[1].ResumeRunID)
	assert.Equal(t, "second", reqs[1].Prompt)
}

func TestRunRejectsBadRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit}, Hold: true})
	ctx := context.Background()

	_, err := h.m.Run(ctx, RunRequest{Message: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = h.m.Run(ctx, RunRequest{SessionID: "missing", Message: "hi"})
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	x, err := h.m.Run(ctx, RunRequest{Message: "hold"})
	require.NoError(t, err)
	defer x.Events.Close()

	_, err = h.m.Run(ctx, RunRequest{SessionID: x.Session.ID, Message: "again"})
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	err = h.m.Delete(ctx, x.Session.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.m.ForceKill(ctx, x.Session.ID)
	require.NoError(t, err)
	waitDone(t, x)

	_, err = h.m.Run(ctx, RunRequest{SessionID: x.Session.ID, Message: "after kill"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	require.NoError(t, h.m.Delete(ctx, x.Session.ID))
	_, err = h.m.Get(ctx, x.Session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestRunEngineStartFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{StartErr: enginetest.ErrBoom})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "hi"})
	require.NoError(t, err)
	waitDone(t, x)

	assert.Equal(t, stream.EventError, x.Outcome().Terminal)
	assert.ErrorIs(t, x.Outcome().Err, domain.ErrEngineFailure)

	events := collect(t, x)
	assert.Equal(t, []stream.EventType{stream.EventSessionCreated, stream.EventError}, types(events))

	s, err := h.m.Get(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, s.Status)
	assert.Contains(t, s.ErrorMessage, "engine exploded")
}

func TestRunMirrorsTodos(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit, lineTodos, lineResult}})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "plan"})
	require.NoError(t, err)
	collect(t, x)
	waitDone(t, x)

	require.Eventually(t, func() bool {
		todos, err := h.m.Todos(ctx, x.Session.ID)
		return err == nil && len(todos) == 1
	}, 2*time.Second, 10*time.Millisecond)
	todos, err := h.m.Todos(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TodoInProgress, todos[0].Status)
}

func TestRequestStopIdleSessionTerminates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.m.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	ticket, err := h.m.RequestStop(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ticket.Signaled)
	assert.Equal(t, domain.StatusTerminated, ticket.Session.Status)
	assert.Equal(t, domain.ReasonUserRequested, ticket.Session.TerminationReason)
	assert.True(t, ticket.Session.StopRequested)
	require.NotNil(t, ticket.Session.StopRequestedAt)

	_, err = h.m.RequestStop(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestTerminalHandlersAreIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	s, err := h.m.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	_, err = h.m.UpdateStatus(ctx, s.ID, domain.StatusActive)
	require.NoError(t, err)
	done, err := h.m.Complete(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)

	for range 5 {
		got, err := h.m.Complete(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, *done.CompletedAt, *got.CompletedAt, time.Millisecond)

		got, err = h.m.Fail(ctx, s.ID, "late failure")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Empty(t, got.ErrorMessage)

		ticket, err := h.m.Terminate(ctx, s.ID, domain.ReasonIdleTimeout)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, ticket.Session.Status)

		kill, err := h.m.ForceKill(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, kill.Session.Status)
		assert.False(t, kill.Session.ForceKillRequested)
	}

	_, err = h.m.UpdateStatus(ctx, s.ID, domain.StatusActive)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	stored, err := h.repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Empty(t, stored.TerminationReason)
}

func TestForceKillTerminatesInOneCall(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setups := map[string]func(t *testing.T, h *harness) (string, *Execution){
		"initializing": func(t *testing.T, h *harness) (string, *Execution) {
			s, err := h.m.Create(ctx, CreateRequest{})
			require.NoError(t, err)
			return s.ID, nil
		},
		"active": func(t *testing.T, h *harness) (string, *Execution) {
			x, err := h.m.Run(ctx, RunRequest{Message: "hold"})
			require.NoError(t, err)
			waitStatus(t, h.m, x.Session.ID, domain.StatusActive)
			return x.Session.ID, x
		},
		"stopping": func(t *testing.T, h *harness) (string, *Execution) {
			x, err := h.m.Run(ctx, RunRequest{Message: "hold"})
			require.NoError(t, err)
			waitStatus(t, h.m, x.Session.ID, domain.StatusActive)
			_, err = h.m.RequestStop(ctx, x.Session.ID)
			require.NoError(t, err)
			return x.Session.ID, x
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, enginetest.Script{Lines: []string{lineInit, lineRead}, Hold: true, IgnoreCancel: true})
			id, x := setup(t, h)

			res, err := h.m.ForceKill(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusTerminated, res.Session.Status)
			assert.Equal(t, domain.ReasonForceKilled, res.Session.TerminationReason)
			assert.True(t, res.Session.ForceKillRequested)
			assert.Empty(t, res.Session.CurrentTool)
			assert.Equal(t, x != nil, res.Signaled)

			if x != nil {
				waitDone(t, x)
				assert.True(t, h.eng.Streams()[0].Closed())
				assert.Equal(t, unreclaimedWarning, res.Warning)
				x.Events.Close()
			}

			again, err := h.m.ForceKill(ctx, id)
			require.NoError(t, err)
			assert.False(t, again.Signaled)
			require.NotNil(t, again.Session.TerminatedAt)
			assert.WithinDuration(t, *res.Session.TerminatedAt, *again.Session.TerminatedAt, time.Millisecond)
		})
	}
}

type fakeReclaimer struct {
	calls []string
	found int
}

func (r *fakeReclaimer) Reclaim(_ context.Context, id string) (int, error) {
	r.calls = append(r.calls, id)
	return r.found, nil
}

func TestForceKillUsesReclaimer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit}, Hold: true})
	rec := &fakeReclaimer{found: 1}
	h.m.reclaimer = rec
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "hold"})
	require.NoError(t, err)
	defer x.Events.Close()
	waitStatus(t, h.m, x.Session.ID, domain.StatusActive)

	res, err := h.m.ForceKill(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.True(t, res.EngineReclaimed)
	assert.Equal(t, 1, res.Reclaimed)
	assert.Empty(t, res.Warning)
	assert.Equal(t, []string{x.Session.ID}, rec.calls)
	waitDone(t, x)
}

func TestForceKillWarnsWhenReclaimerFindsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit}, Hold: true})
	rec := &fakeReclaimer{}
	h.m.reclaimer = rec
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "remote"})
	require.NoError(t, err)
	defer x.Events.Close()
	waitStatus(t, h.m, x.Session.ID, domain.StatusActive)

	res, err := h.m.ForceKill(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.True(t, res.Signaled)
	assert.False(t, res.EngineReclaimed)
	assert.Zero(t, res.Reclaimed)
	assert.NotEmpty(t, res.Warning)
	assert.Equal(t, []string{x.Session.ID}, rec.calls)
	waitDone(t, x)
}

func TestStopEscalationAfterWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit}, Hold: true, IgnoreCancel: true})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "stubborn"})
	require.NoError(t, err)
	waitStatus(t, h.m, x.Session.ID, domain.StatusActive)

	ticket, err := h.m.RequestStop(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.True(t, ticket.Signaled)
	assert.Equal(t, domain.StatusStopping, ticket.Session.Status)

	again, err := h.m.RequestStop(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.True(t, again.AlreadyStopping)

	out, err := h.m.AwaitStop(ctx, x.Session.ID, 0)
	require.NoError(t, err)
	assert.False(t, out.Stopped)
	assert.True(t, out.ForceKillRecommended)
	assert.GreaterOrEqual(t, out.Waited, 50*time.Millisecond)

	status, err := h.m.StopStatus(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.True(t, status.ForceKillRecommended)

	_, err = h.m.ForceKill(ctx, x.Session.ID)
	require.NoError(t, err)

	events := collect(t, x)
	waitDone(t, x)
	aborted, ok := events[len(events)-1].Data.(stream.Aborted)
	require.True(t, ok)
	assert.True(t, aborted.Force)

	s, err := h.m.Get(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, s.Status)
	assert.Equal(t, domain.ReasonForceKilled, s.TerminationReason)
}

func TestCooperativeStopUnwinds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit}, Hold: true})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "polite"})
	require.NoError(t, err)
	waitStatus(t, h.m, x.Session.ID, domain.StatusActive)

	_, err = h.m.RequestStop(ctx, x.Session.ID)
	require.NoError(t, err)

	out, err := h.m.AwaitStop(ctx, x.Session.ID, time.Second)
	require.NoError(t, err)
	assert.True(t, out.Stopped)
	assert.False(t, out.ForceKillRecommended)
	assert.Equal(t, domain.StatusTerminated, out.Session.Status)
	assert.Equal(t, domain.ReasonUserRequested, out.Session.TerminationReason)
	assert.False(t, out.Session.ForceKillRequested)

	events := collect(t, x)
	assert.Equal(t, stream.EventAborted, events[len(events)-1].Type)
}

func TestRestoreMarksOrphansAndLoadsIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now()

	for id, status := range map[string]domain.SessionStatus{
		"orphan":   domain.StatusActive,
		"waiting":  domain.StatusIdle,
		"finished": domain.StatusCompleted,
		"fresh":    domain.StatusInitializing,
	} {
		require.NoError(t, h.repo.CreateSession(ctx, &domain.Session{
			ID:             id,
			Status:         status,
			Pattern:        domain.PatternLongRunning,
			CreatedAt:      now,
			LastActivityAt: now,
		}))
	}

	report, err := h.m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Orphaned)
	assert.Equal(t, 2, report.Loaded)

	var live []string
	for _, s := range h.m.Snapshot() {
		live = append(live, s.ID)
	}
	assert.ElementsMatch(t, []string{"waiting", "fresh"}, live)

	fresh, err := h.m.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitializing, fresh.Status)
	assert.Nil(t, fresh.TerminatedAt)

	orphan, err := h.m.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, orphan.Status)
	assert.Equal(t, domain.ReasonProcessRestart, orphan.TerminationReason)
	assert.NotNil(t, orphan.TerminatedAt)
}

func TestShutdownStopsRunningExecutions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, enginetest.Script{Lines: []string{lineInit}, Hold: true})
	ctx := context.Background()

	x, err := h.m.Run(ctx, RunRequest{Message: "long"})
	require.NoError(t, err)
	defer x.Events.Close()
	waitStatus(t, h.m, x.Session.ID, domain.StatusActive)

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.m.Shutdown(sctx))
	waitDone(t, x)

	s, err := h.repo.GetSession(ctx, x.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, s.Status)
	assert.Equal(t, domain.ReasonShutdown, s.TerminationReason)

	_, err = h.m.Run(ctx, RunRequest{Message: "late"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestStatsAndList(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.m.Create(ctx, CreateRequest{Tags: []string{"ci"}})
	require.NoError(t, err)
	_, err = h.m.Create(ctx, CreateRequest{Pattern: domain.PatternEphemeral})
	require.NoError(t, err)
	_, err = h.m.SetCurrentTool(ctx, a.ID, "Bash")
	require.NoError(t, err)

	page, total, err := h.m.List(ctx, domain.SessionFilter{Tag: "ci"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, "Bash", page[0].CurrentTool)

	stats, err := h.m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 0, stats.Running)

	_, err = h.m.Create(ctx, CreateRequest{Pattern: "forever"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
