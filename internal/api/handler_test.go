package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/BitBrujo/rigger/internal/config"
	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/engine/enginetest"
	"github.com/BitBrujo/rigger/internal/session"
	"github.com/BitBrujo/rigger/internal/store"
	"github.com/BitBrujo/rigger/internal/stream"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lineInit   = `{"type":"system","subtype":"init","session_id":"run-1","model":"sonnet"}`
	lineDelta  = `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}}`
	lineRead   = `{"type":"stream_event","event":{"type":"content_block_start","content_block":{"type":"tool_use","id":"tu_1","name":"Read"}}}`
	lineResult = `{"type":"result","subtype":"success","uuid":"abc","total_cost_usd":0.02,"num_turns":1,"usage":{"input_tokens":10,"output_tokens":4}}`
	lineTodos  = `{"type":"assistant","message":{"id":"m1","content":[{"type":"tool_use","id":"tu_9","name":"TodoWrite","input":{"todos":[{"content":"ship it","status":"pending"}]}}]}}`
)

type fixture struct {
	h      *Handler
	m      *session.Manager
	eng    *enginetest.Engine
	repo   *store.SQLiteStore
	router chi.Router
}

func newFixture(t *testing.T, opts Options, scripts ...enginetest.Script) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "rigger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	eng := enginetest.New(scripts...)
	m := session.NewManager(session.Options{
		Repo:   repo,
		Engine: eng,
		Hub:    stream.NewHub(0, nil),
		Config: session.Config{
			StopEscalationWindow: 50 * time.Millisecond,
			DrainTimeout:         50 * time.Millisecond,
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	opts.Sessions = m
	if opts.Repo == nil {
		opts.Repo = repo
	}
	opts.Engine = eng
	opts.StopWindow = 200 * time.Millisecond
	h := NewHandler(opts)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &fixture{h: h, m: m, eng: eng, repo: repo, router: r}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeBody[ErrorBody](t, rec)
	assert.Equal(t, code, body.Error)
	assert.NotEmpty(t, body.Message)
}

type sseFrame struct {
	id    int64
	event string
	data  string
	retry string
}

func parseSSE(t *testing.T, raw string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	started := false
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if started {
				frames = append(frames, cur)
			}
			cur, started = sseFrame{}, false
			continue
		}
		started = true
		key, value, _ := strings.Cut(line, ": ")
		switch key {
		case "id":
			id, err := strconv.ParseInt(value, 10, 64)
			require.NoError(t, err)
			cur.id = id
		case "event":
			cur.event = value
		case "data":
			cur.data = value
		case "retry":
			cur.retry = value
		}
	}
	return frames
}

func eventNames(frames []sseFrame) []string {
	var out []string
	for _, f := range frames {
		if f.event != "" {
			out = append(out, f.event)
		}
	}
	return out
}

func TestRunStreamsSSE(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, enginetest.Script{Lines: []string{lineInit, lineDelta, lineDelta, lineRead, lineResult}})

	rec := f.do(t, http.MethodPost, "/api/agent/run", `{"message":"hello","tags":["nightly"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, frames)
	assert.Equal(t, "3000", frames[0].retry)
	assert.Equal(t, []string{
		"session_created", "system_init", "content_block_delta", "content_block_delta", "tool_start", "done",
	}, eventNames(frames))

	var prev int64
	for _, fr := range frames[1:] {
		assert.Greater(t, fr.id, prev)
		prev = fr.id
	}

	var done stream.Event
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].data), &done))
	assert.Equal(t, stream.EventDone, done.Type)
	require.NotEmpty(t, done.SessionID)

	var created stream.Event
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &created))
	assert.Equal(t, done.SessionID, created.SessionID)

	require.Eventually(t, func() bool { return !f.m.Running(done.SessionID) }, 2*time.Second, 5*time.Millisecond)
	s := decodeBody[domain.Session](t, f.do(t, http.MethodGet, "/api/sessions/"+done.SessionID, ""))
	assert.Equal(t, domain.StatusIdle, s.Status)
	assert.Equal(t, []string{"Read"}, s.ToolsUsed)
	assert.InDelta(t, 0.02, s.TotalCostUSD, 1e-9)
	assert.Equal(t, []string{"nightly"}, s.Tags)
}

func TestRunRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, enginetest.Script{Lines: []string{lineInit}, Hold: true})

	assertError(t, f.do(t, http.MethodPost, "/api/agent/run", `{"message":""}`), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, f.do(t, http.MethodPost, "/api/agent/run", `{not json`), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, f.do(t, http.MethodPost, "/api/agent/run", `{"message":"hi","pattern":"forever"}`), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, f.do(t, http.MethodPost, "/api/agent/run", `{"message":"hi","session_id":"missing"}`), http.StatusNotFound, CodeNotFound)

	x, err := f.m.Run(context.Background(), session.RunRequest{Message: "hold"})
	require.NoError(t, err)
	defer x.Events.Close()

	body := fmt.Sprintf(`{"message":"again","session_id":%q}`, x.Session.ID)
	assertError(t, f.do(t, http.MethodPost, "/api/agent/run", body), http.StatusConflict, CodeSessionBusy)
	assertError(t, f.do(t, http.MethodDelete, "/api/sessions/"+x.Session.ID, ""), http.StatusConflict, CodeInvalidState)
}

func TestRunRateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{RateLimit: config.RateLimitConfig{Requests: 1, Window: time.Minute}})

	assertError(t, f.do(t, http.MethodPost, "/api/agent/run", `{"message":""}`), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, f.do(t, http.MethodPost, "/api/agent/run", `{"message":""}`), http.StatusTooManyRequests, CodeRateLimited)
	assertError(t, f.do(t, http.MethodGet, "/ws/run", ""), http.StatusTooManyRequests, CodeRateLimited)
}

func TestSessionCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	rec := f.do(t, http.MethodPost, "/api/sessions", `{"pattern":"ephemeral","tags":["a","b"],"conversation_id":"conv-1","config":{"max_turns":3}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[domain.Session](t, rec)
	assert.Equal(t, domain.StatusInitializing, created.Status)
	assert.Equal(t, domain.PatternEphemeral, created.Pattern)
	assert.Equal(t, 3, created.Config.MaxTurns)

	_ = f.do(t, http.MethodPost, "/api/sessions", `{"tags":["c"]}`)

	got := decodeBody[domain.Session](t, f.do(t, http.MethodGet, "/api/sessions/"+created.ID, ""))
	assert.Equal(t, created.ID, got.ID)

	list := decodeBody[ListResponse](t, f.do(t, http.MethodGet, "/api/sessions?tag=b", ""))
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, created.ID, list.Sessions[0].ID)

	list = decodeBody[ListResponse](t, f.do(t, http.MethodGet, "/api/sessions?conversation_id=conv-1&status=initializing", ""))
	assert.Equal(t, 1, list.Total)

	list = decodeBody[ListResponse](t, f.do(t, http.MethodGet, "/api/sessions?limit=1", ""))
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Sessions, 1)
	assert.Equal(t, 1, list.Limit)

	stats := decodeBody[domain.SessionStats](t, f.do(t, http.MethodGet, "/api/sessions/stats", ""))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[domain.StatusInitializing])

	rec = f.do(t, http.MethodDelete, "/api/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assertError(t, f.do(t, http.MethodGet, "/api/sessions/"+created.ID, ""), http.StatusNotFound, CodeNotFound)
	assertError(t, f.do(t, http.MethodDelete, "/api/sessions/"+created.ID, ""), http.StatusNotFound, CodeNotFound)
}

func TestListValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	for _, q := range []string{"status=bogus", "pattern=forever", "limit=-1", "offset=x"} {
		assertError(t, f.do(t, http.MethodGet, "/api/sessions?"+q, ""), http.StatusBadRequest, CodeInvalidRequest)
	}
	assertError(t, f.do(t, http.MethodPost, "/api/sessions", `{"pattern":"forever"}`), http.StatusBadRequest, CodeInvalidRequest)
}

func TestStopIdleSessionThenConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{})

	s, err := f.m.Create(context.Background(), session.CreateRequest{})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[StopResponse](t, rec)
	assert.True(t, resp.Stopped)
	assert.False(t, resp.Signaled)
	assert.Equal(t, domain.StatusTerminated, resp.Session.Status)

	assertError(t, f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/stop", ""), http.StatusConflict, CodeInvalidState)
	assertError(t, f.do(t, http.MethodPost, "/api/sessions/missing/stop", ""), http.StatusNotFound, CodeNotFound)
}

func TestStopWaitsForCooperativeExit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, enginetest.Script{Lines: []string{lineInit}, Hold: true})

	x, err := f.m.Run(context.Background(), session.RunRequest{Message: "hold"})
	require.NoError(t, err)
	defer x.Events.Close()

	rec := f.do(t, http.MethodPost, "/api/sessions/"+x.Session.ID+"/stop?wait=true", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[StopResponse](t, rec)
	assert.True(t, resp.Signaled)
	assert.True(t, resp.Stopped)
	assert.False(t, resp.ForceKillRecommended)
	assert.Equal(t, domain.StatusTerminated, resp.Session.Status)
	assert.Equal(t, domain.ReasonUserRequested, resp.Session.TerminationReason)
}

func TestStopEscalatesToKill(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, enginetest.Script{Lines: []string{lineInit, lineRead}, Hold: true, IgnoreCancel: true})

	x, err := f.m.Run(context.Background(), session.RunRequest{Message: "stubborn"})
	require.NoError(t, err)
	defer x.Events.Close()
	id := x.Session.ID

	rec := f.do(t, http.MethodPost, "/api/sessions/"+id+"/stop", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decodeBody[StopResponse](t, rec)
	assert.True(t, resp.Signaled)
	assert.Equal(t, domain.StatusStopping, resp.Session.Status)

	require.Eventually(t, func() bool {
		out := decodeBody[session.StopOutcome](t, f.do(t, http.MethodGet, "/api/sessions/"+id+"/stop", ""))
		return out.ForceKillRecommended
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/api/sessions/"+id+"/kill", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	kill := decodeBody[session.KillResult](t, rec)
	assert.Equal(t, domain.StatusTerminated, kill.Session.Status)
	assert.Equal(t, domain.ReasonForceKilled, kill.Session.TerminationReason)
	assert.True(t, kill.Signaled)
	assert.False(t, kill.EngineReclaimed)
	assert.NotEmpty(t, kill.Warning)

	select {
	case <-x.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not unwind after kill")
	}
	assert.True(t, f.eng.Streams()[0].Closed())
}

func TestStreamReplaysAfterLastEventID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, enginetest.Script{Lines: []string{lineInit, lineDelta, lineResult}})

	x, err := f.m.Run(context.Background(), session.RunRequest{Message: "hello"})
	require.NoError(t, err)
	x.Events.Close()
	select {
	case <-x.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not finish")
	}
	require.Eventually(t, func() bool { return !f.m.Running(x.Session.ID) }, 2*time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+x.Session.ID+"/stream", nil)
	req.Header.Set("Last-Event-ID", "2")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{"content_block_delta", "done"}, eventNames(frames))
	assert.Equal(t, int64(3), frames[1].id)

	rec = f.do(t, http.MethodGet, "/api/sessions/"+x.Session.ID+"/stream?lastEventId=0", "")
	assert.Len(t, eventNames(parseSSE(t, rec.Body.String())), 4)

	assertError(t, f.do(t, http.MethodGet, "/api/sessions/"+x.Session.ID+"/stream?lastEventId=abc", ""), http.StatusBadRequest, CodeInvalidRequest)
	assertError(t, f.do(t, http.MethodGet, "/api/sessions/missing/stream", ""), http.StatusNotFound, CodeNotFound)
}

func TestStreamReplaysEveryBufferedTurn(t *testing.T) {
	t.Parallel()
	secondResult := `{"type":"result","subtype":"success","uuid":"def","total_cost_usd":0.01,"num_turns":2,"usage":{"input_tokens":5,"output_tokens":2}}`
	f := newFixture(t, Options{},
		enginetest.Script{Lines: []string{lineInit, lineDelta, lineResult}},
		enginetest.Script{Lines: []string{lineInit, lineDelta, secondResult}},
	)
	ctx := context.Background()

	first, err := f.m.Run(ctx, session.RunRequest{Message: "one"})
	require.NoError(t, err)
	first.Events.Close()
	<-first.Done()
	id := first.Session.ID
	require.Eventually(t, func() bool { return !f.m.Running(id) }, 2*time.Second, 5*time.Millisecond)
	firstDone := f.m.Hub().LastID(id)

	second, err := f.m.Run(ctx, session.RunRequest{SessionID: id, Message: "two"})
	require.NoError(t, err)
	second.Events.Close()
	<-second.Done()
	require.Eventually(t, func() bool { return !f.m.Running(id) }, 2*time.Second, 5*time.Millisecond)
	lastID := f.m.Hub().LastID(id)
	require.Greater(t, lastID, firstDone)

	frames := parseSSE(t, f.do(t, http.MethodGet, "/api/sessions/"+id+"/stream?lastEventId=0", "").Body.String())
	names := eventNames(frames)
	require.NotEmpty(t, names)
	doneCount := 0
	for _, n := range names {
		if n == "done" {
			doneCount++
		}
	}
	assert.Equal(t, 2, doneCount, "both turns replayed: %v", names)
	assert.Equal(t, lastID, frames[len(frames)-1].id)

	frames = parseSSE(t, f.do(t, http.MethodGet, "/api/sessions/"+id+"/stream?lastEventId="+strconv.FormatInt(firstDone, 10), "").Body.String())
	names = eventNames(frames)
	require.NotEmpty(t, names)
	assert.Equal(t, "done", names[len(names)-1])
	assert.Greater(t, frames[1].id, firstDone)
	assert.Equal(t, lastID, frames[len(frames)-1].id)
}

func TestUsageAndTodos(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{}, enginetest.Script{Lines: []string{lineInit, lineTodos, lineResult}})

	rec := f.do(t, http.MethodPost, "/api/agent/run", `{"message":"plan"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseSSE(t, rec.Body.String())
	var created stream.Event
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &created))
	id := created.SessionID

	require.Eventually(t, func() bool {
		var body struct {
			Todos []domain.Todo `json:"todos"`
		}
		rec := f.do(t, http.MethodGet, "/api/sessions/"+id+"/todos", "")
		return json.NewDecoder(rec.Body).Decode(&body) == nil && len(body.Todos) == 1
	}, 2*time.Second, 10*time.Millisecond)

	usage := decodeBody[UsageResponse](t, f.do(t, http.MethodGet, "/api/sessions/"+id+"/usage", ""))
	assert.Equal(t, id, usage.SessionID)
	assert.InDelta(t, 0.02, usage.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(10), usage.InputTokens)
	require.Len(t, usage.Steps, 1)
	assert.Equal(t, "abc", usage.Steps[0].StepID)

	assertError(t, f.do(t, http.MethodGet, "/api/sessions/missing/usage", ""), http.StatusNotFound, CodeNotFound)
	assertError(t, f.do(t, http.MethodGet, "/api/sessions/missing/todos", ""), http.StatusNotFound, CodeNotFound)
}

func TestRunOverWebSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{AllowedOrigins: []string{"*"}}, enginetest.Script{Lines: []string{lineInit, lineRead, lineResult}})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/run", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, session.RunRequest{Message: "hello"}))

	var got []stream.EventType
	for {
		var ev stream.Event
		require.NoError(t, wsjson.Read(ctx, conn, &ev))
		got = append(got, ev.Type)
		if ev.Type.IsTerminal() {
			break
		}
	}
	assert.Equal(t, []stream.EventType{
		stream.EventSessionCreated, stream.EventSystemInit, stream.EventToolStart, stream.EventDone,
	}, got)
}

func TestRunOverWebSocketRejectsEmptyMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Options{AllowedOrigins: []string{"*"}})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/run", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, wsjson.Write(ctx, conn, session.RunRequest{}))
	var body ErrorBody
	require.NoError(t, wsjson.Read(ctx, conn, &body))
	assert.Equal(t, CodeInvalidRequest, body.Error)
}

type pingFailRepo struct {
	store.Repository
}

func (pingFailRepo) Ping(context.Context) error { return errors.New("database is locked") }

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Options{})
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "fake", resp.Engine)
	assert.Equal(t, "ok", resp.Checks["database"])

	f = newFixture(t, Options{Repo: pingFailRepo{}})
	rec = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("get: %w", domain.ErrSessionNotFound), http.StatusNotFound, CodeNotFound},
		{domain.ErrStepNotFound, http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("run: %w", domain.ErrSessionBusy), http.StatusConflict, CodeSessionBusy},
		{domain.ErrInvalidState, http.StatusConflict, CodeInvalidState},
		{domain.ErrInvalidRequest, http.StatusBadRequest, CodeInvalidRequest},
		{errors.Join(domain.ErrPersistence, errors.New("disk full")), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, originPatterns([]string{"*"}))
	assert.Equal(t, []string{"console.example.com"}, originPatterns([]string{"https://console.example.com"}))
	assert.Empty(t, originPatterns(nil))
}
