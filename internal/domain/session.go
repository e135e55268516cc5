// Package domain contains the session, usage ledger and todo types shared by
// every layer of rigger, plus the session state machine.
package domain

import (
	"slices"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// StatusInitializing means the session exists but the engine has not acknowledged a run yet.
	StatusInitializing SessionStatus = "initializing"
	// StatusActive means the engine is producing events for the current turn.
	StatusActive SessionStatus = "active"
	// StatusIdle means the turn finished and the session accepts another one.
	StatusIdle SessionStatus = "idle"
	// StatusStopping means a cooperative stop was signaled and the run is unwinding.
	StatusStopping SessionStatus = "stopping"
	// StatusCompleted is terminal.
	StatusCompleted SessionStatus = "completed"
	// StatusTerminated is terminal.
	StatusTerminated SessionStatus = "terminated"
	// StatusError is terminal.
	StatusError SessionStatus = "error"
)

// transitions lists the allowed edges. Terminal states have none.
var transitions = map[SessionStatus][]SessionStatus{
	StatusInitializing: {StatusActive, StatusStopping, StatusError, StatusTerminated},
	StatusActive:       {StatusIdle, StatusCompleted, StatusStopping, StatusError, StatusTerminated},
	StatusIdle:         {StatusActive, StatusCompleted, StatusStopping, StatusError, StatusTerminated},
	StatusStopping:     {StatusTerminated, StatusError},
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusInitializing, StatusActive, StatusIdle, StatusStopping,
		StatusCompleted, StatusTerminated, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusTerminated || s == StatusError
}

// IsReapable reports whether limit enforcement applies to the status.
func (s SessionStatus) IsReapable() bool {
	return s == StatusInitializing || s == StatusActive || s == StatusIdle
}

// CanTransition reports whether from -> to is an edge of the session state machine.
// A transition to the same status is not an edge; callers treat it as a no-op.
func CanTransition(from, to SessionStatus) bool {
	return slices.Contains(transitions[from], to)
}

// SessionPattern selects how a session behaves after a result.
type SessionPattern string

const (
	// PatternEphemeral sessions complete on their first result and are deleted shortly after.
	PatternEphemeral SessionPattern = "ephemeral"
	// PatternLongRunning sessions go idle after each result and accept further turns.
	PatternLongRunning SessionPattern = "long_running"
)

// Valid reports whether p is a known pattern.
func (p SessionPattern) Valid() bool {
	return p == PatternEphemeral || p == PatternLongRunning
}

// Termination reasons recorded on sessions.
const (
	ReasonUserRequested  = "user_requested"
	ReasonForceKilled    = "force_killed"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonMaxLifetime    = "max_lifetime"
	ReasonBudgetExceeded = "budget_exceeded"
	ReasonMaxTurns       = "max_turns"
	ReasonShutdown       = "shutdown"
	ReasonProcessRestart = "process_restart"
)

// RunConfig is the operator supplied configuration for a run. Only the limit
// fields are interpreted here; the rest is forwarded to the engine.
type RunConfig struct {
	Model           string         `json:"model,omitempty"`
	AllowedTools    []string       `json:"allowed_tools,omitempty"`
	DisallowedTools []string       `json:"disallowed_tools,omitempty"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	PermissionMode  string         `json:"permission_mode,omitempty"`
	WorkingDir      string         `json:"working_dir,omitempty"`
	MaxBudgetUSD    float64        `json:"max_budget_usd,omitempty"`
	MaxTurns        int            `json:"max_turns,omitempty"`
	MaxIdleTimeMs   int64          `json:"max_idle_time_ms,omitempty"`
	MaxLifetimeMs   int64          `json:"max_lifetime_ms,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// MaxIdleTime returns the idle limit, zero when unset.
func (c RunConfig) MaxIdleTime() time.Duration {
	return time.Duration(c.MaxIdleTimeMs) * time.Millisecond
}

// MaxLifetime returns the lifetime limit, zero when unset.
func (c RunConfig) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeMs) * time.Millisecond
}

// Session is one agent run, possibly spanning several turns.
type Session struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Status         SessionStatus  `json:"status"`
	Pattern        SessionPattern `json:"pattern"`
	Tags           []string       `json:"tags,omitempty"`
	Config         RunConfig      `json:"config"`

	TotalCostUSD        float64 `json:"total_cost_usd"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CachedTokens        int64   `json:"cached_tokens"`
	NumTurns            int     `json:"num_turns"`

	ToolsUsed   []string `json:"tools_used"`
	CurrentTool string   `json:"current_tool,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastActivityAt  time.Time  `json:"last_activity_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TerminatedAt    *time.Time `json:"terminated_at,omitempty"`
	StopRequestedAt *time.Time `json:"stop_requested_at,omitempty"`

	TerminationReason  string `json:"termination_reason,omitempty"`
	ErrorMessage       string `json:"error_message,omitempty"`
	StopRequested      bool   `json:"stop_requested"`
	ForceKillRequested bool   `json:"force_kill_requested"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Tags = slices.Clone(s.Tags)
	c.ToolsUsed = slices.Clone(s.ToolsUsed)
	c.Config.AllowedTools = slices.Clone(s.Config.AllowedTools)
	c.Config.DisallowedTools = slices.Clone(s.Config.DisallowedTools)
	if s.Config.Extra != nil {
		c.Config.Extra, _ = cloneJSON(s.Config.Extra).(map[string]any)
	}
	c.StartedAt = cloneTime(s.StartedAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	c.TerminatedAt = cloneTime(s.TerminatedAt)
	c.StopRequestedAt = cloneTime(s.StopRequestedAt)
	return &c
}

// AddTool records a tool name in the distinct set, keeping first-use order.
// It returns false when the tool was already present.
func (s *Session) AddTool(name string) bool {
	if name == "" || slices.Contains(s.ToolsUsed, name) {
		return false
	}
	s.ToolsUsed = append(s.ToolsUsed, name)
	return true
}

// Apply adds a metrics delta. Negative components are ignored so counters never decrease.
func (s *Session) Apply(d MetricsDelta) {
	if d.CostUSD > 0 {
		s.TotalCostUSD += d.CostUSD
	}
	s.InputTokens += max(d.InputTokens, 0)
	s.OutputTokens += max(d.OutputTokens, 0)
	s.CacheCreationTokens += max(d.CacheCreationTokens, 0)
	s.CachedTokens += max(d.CacheReadTokens, 0)
	s.NumTurns += max(d.Turns, 0)
}

// MetricsDelta is an additive change to session counters.
type MetricsDelta struct {
	CostUSD             float64 `json:"cost_usd"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	Turns               int     `json:"turns"`
}

// SessionFilter narrows List results.
type SessionFilter struct {
	Status         SessionStatus
	ConversationID string
	Pattern        SessionPattern
	Tag            string
	Limit          int
	Offset         int
}

// SessionStats aggregates across all stored sessions.
type SessionStats struct {
	Total               int                   `json:"total"`
	ByStatus            map[SessionStatus]int `json:"by_status"`
	Live                int                   `json:"live"`
	Running             int                   `json:"running"`
	TotalCostUSD        float64               `json:"total_cost_usd"`
	InputTokens         int64                 `json:"input_tokens"`
	OutputTokens        int64                 `json:"output_tokens"`
	CacheCreationTokens int64                 `json:"cache_creation_tokens"`
	CachedTokens        int64                 `json:"cached_tokens"`
	UsageSteps          int                   `json:"usage_steps"`
}

// cloneJSON copies the nested maps and slices of a decoded JSON value.
func cloneJSON(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneJSON(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneJSON(e)
		}
		return out
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
