// Package stream turns one engine execution into the client-facing event
// protocol and fans events out to subscribers with replay.
package stream

import (
	"encoding/json"
	"time"

	"github.com/BitBrujo/rigger/internal/domain"
)

// EventType names a client-facing event.
type EventType string

const (
	EventSessionCreated  EventType = "session_created"
	EventSystemInit      EventType = "system_init"
	EventContentDelta    EventType = "content_block_delta"
	EventMessage         EventType = "message"
	EventToolStart       EventType = "tool_start"
	EventToolProgress    EventType = "tool_progress"
	EventToolComplete    EventType = "tool_complete"
	EventHookResponse    EventType = "hook_response"
	EventCompactBoundary EventType = "compact_boundary"
	EventEngine          EventType = "engine_event"
	EventAborted         EventType = "aborted"
	EventError           EventType = "error"
	EventDone            EventType = "done"
)

// IsTerminal reports whether the event ends an execution.
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventAborted || t == EventError
}

// Error codes carried by error events.
const (
	CodeEngineFailure      = "engine_failure"
	CodePersistenceFailure = "persistence_failure"
)

// Event is one client-facing event. ID is assigned by the Hub and strictly
// increases within a session.
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// SessionCreated carries the session a run resolved to.
type SessionCreated struct {
	Session *domain.Session `json:"session"`
	Resumed bool            `json:"resumed"`
}

// SystemInit carries the engine's initialization.
type SystemInit struct {
	RunID          string   `json:"run_id"`
	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
}

// AssistantMessage is a complete assistant turn.
type AssistantMessage struct {
	MessageID string          `json:"message_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Text      string          `json:"text,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ToolStart announces a tool invocation.
type ToolStart struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// ToolProgress reports a long running tool.
type ToolProgress struct {
	ToolUseID      string  `json:"tool_use_id"`
	Name           string  `json:"name,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// ToolComplete closes a tool invocation.
type ToolComplete struct {
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Aborted ends an execution that was cancelled.
type Aborted struct {
	Reason string `json:"reason"`
	Force  bool   `json:"force"`
}

// Failure ends an execution that failed.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Usage is the token accounting of a step.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
}

// Done ends an execution that produced a result. Clients deduplicate their
// own accounting by StepID.
type Done struct {
	StepID            string          `json:"step_id"`
	Usage             Usage           `json:"usage"`
	CostUSD           float64         `json:"cost_usd"`
	TotalCostUSD      float64         `json:"total_cost_usd"`
	NumTurns          int             `json:"num_turns"`
	ToolsUsed         []string        `json:"tools_used"`
	PermissionDenials json.RawMessage `json:"permission_denials,omitempty"`
	StopReason        string          `json:"stop_reason,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	Result            string          `json:"result,omitempty"`
	Duplicate         bool            `json:"duplicate"`
	Timestamp         time.Time       `json:"timestamp"`
}
