package domain

import (
	"encoding/json"
	"time"
)

// UsageStep is one billable unit of engine work, keyed by the engine's step id.
type UsageStep struct {
	StepID              string          `json:"step_id"`
	SessionID           string          `json:"session_id"`
	ConversationID      string          `json:"conversation_id,omitempty"`
	InputTokens         int64           `json:"input_tokens"`
	OutputTokens        int64           `json:"output_tokens"`
	CacheCreationTokens int64           `json:"cache_creation_tokens"`
	CacheReadTokens     int64           `json:"cache_read_tokens"`
	LatencyMs           int64           `json:"latency_ms"`
	CostUSD             float64         `json:"cost_usd"`
	StopReason          string          `json:"stop_reason,omitempty"`
	Turn                int             `json:"turn"`
	Tools               []string        `json:"tools"`
	ToolCosts           []ToolCost      `json:"tool_costs,omitempty"`
	PermissionDenials   json.RawMessage `json:"permission_denials,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// ToolCost is the share of a step attributed to one tool.
type ToolCost struct {
	Tool        string  `json:"tool"`
	Invocations int     `json:"invocations"`
	CostUSD     float64 `json:"cost_usd"`
	Tokens      int64   `json:"tokens"`
}

// Delta returns the session counter increment this step represents.
func (u *UsageStep) Delta() MetricsDelta {
	return MetricsDelta{
		CostUSD:             u.CostUSD,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens,
		Turns:               u.Turn,
	}
}

// ApportionTools splits the step's cost and output tokens across the tools
// invoked during it, proportionally to invocation count. tools may repeat.
func ApportionTools(tools []string, costUSD float64, tokens int64) []ToolCost {
	if len(tools) == 0 {
		return nil
	}
	counts := make(map[string]int, len(tools))
	var order []string
	for _, t := range tools {
		if counts[t] == 0 {
			order = append(order, t)
		}
		counts[t]++
	}
	total := len(tools)
	out := make([]ToolCost, 0, len(order))
	var assignedTokens int64
	for i, t := range order {
		n := counts[t]
		share := ToolCost{
			Tool:        t,
			Invocations: n,
			CostUSD:     costUSD * float64(n) / float64(total),
		}
		if i == len(order)-1 {
			share.Tokens = tokens - assignedTokens
		} else {
			share.Tokens = tokens * int64(n) / int64(total)
			assignedTokens += share.Tokens
		}
		out = append(out, share)
	}
	return out
}

// TodoStatus mirrors the task-list writer tool's item states.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// Todo is one task-list item written by the agent.
type Todo struct {
	Content    string     `json:"content"`
	Status     TodoStatus `json:"status"`
	ActiveForm string     `json:"activeForm,omitempty"`
}
