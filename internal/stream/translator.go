package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/BitBrujo/rigger/internal/cancel"
	"github.com/BitBrujo/rigger/internal/domain"
	"github.com/BitBrujo/rigger/internal/engine"
)

// todoWriterTool is the engine tool whose input mirrors the task list.
const todoWriterTool = "TodoWrite"

// defaultDrainTimeout bounds how long a stream is read after its terminal event.
const defaultDrainTimeout = 2 * time.Second

// Hooks receives the side effects of a translated execution. The session
// manager implements it.
type Hooks interface {
	// Started is called on the first engine message.
	Started(ctx context.Context, sessionID string)
	// Touch records activity on every engine message.
	Touch(sessionID string)
	BindRunID(ctx context.Context, sessionID, runID string)
	ToolStarted(ctx context.Context, sessionID, name string)
	ToolFinished(ctx context.Context, sessionID string)
	// TodosWritten must not block the stream.
	TodosWritten(sessionID string, todos []domain.Todo)
	// RecordStep writes the step through the usage ledger. inserted is false
	// when the step id was already recorded.
	RecordStep(ctx context.Context, step *domain.UsageStep) (inserted bool, session *domain.Session, err error)
	// StepFinished moves the session out of the turn after a done event.
	StepFinished(ctx context.Context, sessionID string)
	Aborted(ctx context.Context, sessionID, reason string, force bool)
	Failed(ctx context.Context, sessionID, message string)
}

// Outcome summarises a finished execution.
type Outcome struct {
	Terminal EventType
	StepIDs  []string
	Err      error
}

// Translator drives one execution: it pulls engine messages, applies their
// side effects through Hooks and emits client events in engine order.
type Translator struct {
	SessionID      string
	ConversationID string
	Stream         engine.Stream
	Token          *cancel.Token
	Hooks          Hooks
	Emit           func(Event)
	Logger         *slog.Logger
	DrainTimeout   time.Duration

	started   bool
	terminal  bool
	seenTools map[string]bool
	todoDone  map[string]bool
	stepTools []string
	outcome   Outcome
}

// Run consumes the stream until it ends and returns the outcome. Exactly
// one terminal event is emitted.
func (t *Translator) Run() Outcome {
	if t.Logger == nil {
		t.Logger = slog.Default()
	}
	t.Logger = t.Logger.With("session_id", t.SessionID)
	t.seenTools = make(map[string]bool)
	t.todoDone = make(map[string]bool)

	runCtx := t.Token.Context()
	// Side effects outlive cancellation; a stopped run still bills its steps.
	persistCtx := context.WithoutCancel(runCtx)

	for {
		msg, err := t.Stream.Next(runCtx)
		if err != nil {
			t.finish(persistCtx, err)
			return t.outcome
		}
		t.handle(persistCtx, msg)
		if t.terminal {
			t.drain(persistCtx)
			return t.outcome
		}
	}
}

func (t *Translator) finish(ctx context.Context, err error) {
	if t.terminal {
		return
	}
	if t.Token.Signaled() {
		reason, force := t.Token.Reason()
		t.Hooks.Aborted(ctx, t.SessionID, reason, force)
		t.emitTerminal(EventAborted, Aborted{Reason: reason, Force: force}, nil)
		return
	}
	msg := "engine stream ended without a result"
	if !errors.Is(err, io.EOF) {
		msg = err.Error()
	}
	t.Logger.Error("Engine execution failed", "error", err)
	t.Hooks.Failed(ctx, t.SessionID, msg)
	t.emitTerminal(EventError, Failure{Code: CodeEngineFailure, Message: msg}, errors.Join(domain.ErrEngineFailure, err))
}

// drain reads what the engine still sends after the terminal event so late
// results are billed. Nothing is forwarded.
func (t *Translator) drain(ctx context.Context) {
	timeout := t.DrainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	timer := time.AfterFunc(timeout, func() { _ = t.Stream.Close() })
	defer timer.Stop()

	for {
		msg, err := t.Stream.Next(t.Token.Context())
		if err != nil {
			return
		}
		if msg.Kind == engine.KindResult {
			t.recordQuietly(ctx, msg.Result)
		}
	}
}

func (t *Translator) handle(ctx context.Context, msg *engine.Message) {
	t.Hooks.Touch(t.SessionID)
	if !t.started {
		t.started = true
		t.Hooks.Started(ctx, t.SessionID)
	}

	// Once a stop is signaled nothing more is forwarded; results are still
	// billed while the engine unwinds.
	if t.Token.Signaled() {
		if msg.Kind == engine.KindResult {
			t.recordQuietly(ctx, msg.Result)
		}
		return
	}

	switch msg.Kind {
	case engine.KindInit:
		if msg.Init.RunID != "" {
			t.Hooks.BindRunID(ctx, t.SessionID, msg.Init.RunID)
		}
		t.emit(EventSystemInit, SystemInit{
			RunID:          msg.Init.RunID,
			Model:          msg.Init.Model,
			Cwd:            msg.Init.Cwd,
			Tools:          msg.Init.Tools,
			PermissionMode: msg.Init.PermissionMode,
		})
	case engine.KindDelta:
		t.emit(EventContentDelta, msg.Delta.Event)
	case engine.KindAssistant:
		a := msg.Assistant
		t.emit(EventMessage, AssistantMessage{MessageID: a.MessageID, Model: a.Model, Text: a.Text, Content: a.Content})
		for _, use := range a.ToolUses {
			t.toolStart(ctx, use)
		}
	case engine.KindToolStart:
		t.toolStart(ctx, *msg.ToolStart)
	case engine.KindToolProgress:
		p := msg.ToolProgress
		t.emit(EventToolProgress, ToolProgress{ToolUseID: p.ToolUseID, Name: p.ToolName, ElapsedSeconds: p.ElapsedSeconds})
	case engine.KindToolResult:
		for _, r := range msg.ToolResults {
			t.Hooks.ToolFinished(ctx, t.SessionID)
			t.emit(EventToolComplete, ToolComplete{ToolUseID: r.ToolUseID, IsError: r.IsError, Content: r.Content})
		}
	case engine.KindHookResponse:
		t.emit(EventHookResponse, msg.Hook)
	case engine.KindCompactBoundary:
		t.emit(EventCompactBoundary, msg.Compact)
	case engine.KindResult:
		t.result(ctx, msg.Result)
	default:
		t.emit(EventEngine, msg.Raw)
	}
}

func (t *Translator) toolStart(ctx context.Context, use engine.ToolUse) {
	if use.Name == todoWriterTool && !t.todoDone[use.ID] {
		if todos, ok := parseTodos(use.Input); ok {
			t.todoDone[use.ID] = true
			t.Hooks.TodosWritten(t.SessionID, todos)
		}
	}
	if use.ID != "" && t.seenTools[use.ID] {
		return
	}
	if use.ID != "" {
		t.seenTools[use.ID] = true
	}
	t.stepTools = append(t.stepTools, use.Name)
	t.Hooks.ToolStarted(ctx, t.SessionID, use.Name)
	t.emit(EventToolStart, ToolStart{ToolUseID: use.ID, Name: use.Name, Input: use.Input})
}

func (t *Translator) result(ctx context.Context, r *engine.Result) {
	step := t.step(r)
	inserted, session, err := t.Hooks.RecordStep(ctx, step)
	if err != nil {
		t.Logger.Error("Usage ledger write failed", "step_id", step.StepID, "error", err)
		t.Hooks.Failed(ctx, t.SessionID, "usage ledger write failed: "+err.Error())
		t.emitTerminal(EventError, Failure{Code: CodePersistenceFailure, Message: err.Error()}, err)
		return
	}
	t.outcome.StepIDs = append(t.outcome.StepIDs, step.StepID)

	t.Hooks.StepFinished(ctx, t.SessionID)

	done := Done{
		StepID: step.StepID,
		Usage: Usage{
			InputTokens:         r.Usage.InputTokens,
			OutputTokens:        r.Usage.OutputTokens,
			CacheCreationTokens: r.Usage.CacheCreationTokens,
			CacheReadTokens:     r.Usage.CacheReadTokens,
		},
		CostUSD:           r.CostUSD,
		NumTurns:          r.NumTurns,
		PermissionDenials: r.PermissionDenials,
		StopReason:        r.StopReason,
		IsError:           r.IsError,
		Result:            r.Text,
		Duplicate:         !inserted,
		Timestamp:         time.Now().UTC(),
	}
	if session != nil {
		done.TotalCostUSD = session.TotalCostUSD
		done.NumTurns = session.NumTurns
		done.ToolsUsed = session.ToolsUsed
	}
	t.emitTerminal(EventDone, done, nil)
}

func (t *Translator) recordQuietly(ctx context.Context, r *engine.Result) {
	step := t.step(r)
	if _, _, err := t.Hooks.RecordStep(ctx, step); err != nil {
		t.Logger.Error("Usage ledger write failed for late result", "step_id", step.StepID, "error", err)
		return
	}
	t.outcome.StepIDs = append(t.outcome.StepIDs, step.StepID)
}

func (t *Translator) step(r *engine.Result) *domain.UsageStep {
	if r.StepIDGenerated {
		t.Logger.Warn("Engine result carried no step id, generated one", "step_id", r.StepID)
	}
	tools := t.stepTools
	t.stepTools = nil
	return &domain.UsageStep{
		StepID:              r.StepID,
		SessionID:           t.SessionID,
		ConversationID:      t.ConversationID,
		InputTokens:         r.Usage.InputTokens,
		OutputTokens:        r.Usage.OutputTokens,
		CacheCreationTokens: r.Usage.CacheCreationTokens,
		CacheReadTokens:     r.Usage.CacheReadTokens,
		LatencyMs:           r.DurationMs,
		CostUSD:             r.CostUSD,
		StopReason:          r.StopReason,
		Turn:                r.NumTurns,
		Tools:               tools,
		ToolCosts:           domain.ApportionTools(tools, r.CostUSD, r.Usage.OutputTokens),
		PermissionDenials:   r.PermissionDenials,
		CreatedAt:           time.Now().UTC(),
	}
}

func (t *Translator) emit(typ EventType, data any) {
	t.Emit(Event{Type: typ, SessionID: t.SessionID, Data: data})
}

func (t *Translator) emitTerminal(typ EventType, data any, err error) {
	if t.terminal {
		return
	}
	t.terminal = true
	t.outcome.Terminal = typ
	t.outcome.Err = err
	t.emit(typ, data)
}

type todoInput struct {
	Todos []domain.Todo `json:"todos"`
}

func parseTodos(input json.RawMessage) ([]domain.Todo, bool) {
	if len(input) == 0 {
		return nil, false
	}
	var in todoInput
	if err := json.Unmarshal(input, &in); err != nil || in.Todos == nil {
		return nil, false
	}
	return in.Todos, true
}
