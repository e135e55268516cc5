package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind classifies engine messages. The set is closed; anything the decoder
// does not recognise is KindUnknown.
type Kind string

const (
	KindInit            Kind = "init"
	KindDelta           Kind = "delta"
	KindAssistant       Kind = "assistant"
	KindToolStart       Kind = "tool_start"
	KindToolProgress    Kind = "tool_progress"
	KindToolResult      Kind = "tool_result"
	KindHookResponse    Kind = "hook_response"
	KindCompactBoundary Kind = "compact_boundary"
	KindResult          Kind = "result"
	KindUnknown         Kind = "unknown"
)

// Message is one decoded engine message. Exactly one of the per-kind
// pointers is set, matching Kind; unknown messages only carry Raw.
type Message struct {
	Kind Kind `json:"kind"`

	// Type is the engine's own type tag, kept for unknown messages.
	Type string `json:"type,omitempty"`

	// RunID is the engine session id stamped on the message, if any.
	RunID string `json:"run_id,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`

	Init         *Init            `json:"init,omitempty"`
	Delta        *Delta           `json:"delta,omitempty"`
	Assistant    *Assistant       `json:"assistant,omitempty"`
	ToolStart    *ToolUse         `json:"tool_start,omitempty"`
	ToolProgress *ToolProgress    `json:"tool_progress,omitempty"`
	ToolResults  []ToolResult     `json:"tool_results,omitempty"`
	Hook         *HookResponse    `json:"hook,omitempty"`
	Compact      *CompactBoundary `json:"compact,omitempty"`
	Result       *Result          `json:"result,omitempty"`
}

// Init is the engine's session initialization message.
type Init struct {
	RunID          string   `json:"run_id"`
	Model          string   `json:"model,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Tools          []string `json:"tools,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
}

// Delta is a partial content event, forwarded verbatim.
type Delta struct {
	Event json.RawMessage `json:"event"`
}

// Assistant is a complete assistant turn.
type Assistant struct {
	MessageID string          `json:"message_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Text      string          `json:"text,omitempty"`
	ToolUses  []ToolUse       `json:"tool_uses,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// ToolUse is one tool invocation.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolProgress reports a long running tool.
type ToolProgress struct {
	ToolUseID      string  `json:"tool_use_id"`
	ToolName       string  `json:"tool_name,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_time_seconds,omitempty"`
}

// ToolResult completes a tool invocation.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// HookResponse is the output of an engine hook.
type HookResponse struct {
	HookName  string `json:"hook_name,omitempty"`
	HookEvent string `json:"hook_event,omitempty"`
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// CompactBoundary marks a context compaction.
type CompactBoundary struct {
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int64  `json:"pre_tokens,omitempty"`
}

// Usage is the token accounting carried by a result.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// Result terminates one step and carries its usage.
type Result struct {
	StepID string `json:"step_id"`
	// StepIDGenerated is set when the engine omitted the id and the decoder
	// had to mint one; such steps cannot be deduplicated across redelivery.
	StepIDGenerated   bool            `json:"step_id_generated,omitempty"`
	Subtype           string          `json:"subtype,omitempty"`
	IsError           bool            `json:"is_error,omitempty"`
	Text              string          `json:"text,omitempty"`
	Usage             Usage           `json:"usage"`
	CostUSD           float64         `json:"cost_usd"`
	NumTurns          int             `json:"num_turns"`
	DurationMs        int64           `json:"duration_ms"`
	StopReason        string          `json:"stop_reason,omitempty"`
	PermissionDenials json.RawMessage `json:"permission_denials,omitempty"`
}

// wireMessage covers every top-level field the decoder reads.
type wireMessage struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	UUID      string          `json:"uuid"`
	Event     json.RawMessage `json:"event"`
	Message   json.RawMessage `json:"message"`

	// system/init
	Model          string   `json:"model"`
	Cwd            string   `json:"cwd"`
	Tools          []string `json:"tools"`
	PermissionMode string   `json:"permissionMode"`

	// system/hook_response
	HookName  string `json:"hook_name"`
	HookEvent string `json:"hook_event"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	ExitCode  *int   `json:"exit_code"`

	// system/compact_boundary
	CompactMetadata *CompactBoundary `json:"compact_metadata"`

	// tool_progress
	ToolUseID      string  `json:"tool_use_id"`
	ToolName       string  `json:"tool_name"`
	ElapsedSeconds float64 `json:"elapsed_time_seconds"`

	// result
	IsError           bool            `json:"is_error"`
	Result            string          `json:"result"`
	Usage             *Usage          `json:"usage"`
	TotalCostUSD      float64         `json:"total_cost_usd"`
	NumTurns          int             `json:"num_turns"`
	DurationMs        int64           `json:"duration_ms"`
	StopReason        *string         `json:"stop_reason"`
	PermissionDenials json.RawMessage `json:"permission_denials"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

type apiMessage struct {
	ID      string          `json:"id"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	ContentBlock *contentBlock `json:"content_block"`
}

// Decode parses one line of the engine's stream-json output. Optional
// fields may be absent; an unrecognised message is returned as KindUnknown.
// Only malformed JSON is an error.
func Decode(line []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("decode engine message: %w", err)
	}

	msg := &Message{
		Kind:  KindUnknown,
		Type:  w.Type,
		RunID: w.SessionID,
		Raw:   json.RawMessage(append([]byte(nil), line...)),
	}

	switch w.Type {
	case "system":
		decodeSystem(msg, &w)
	case "stream_event":
		decodeStreamEvent(msg, &w)
	case "assistant":
		if a := decodeAssistant(w.Message); a != nil {
			msg.Kind = KindAssistant
			msg.Assistant = a
		}
	case "user":
		if results := decodeToolResults(w.Message); len(results) > 0 {
			msg.Kind = KindToolResult
			msg.ToolResults = results
		}
	case "tool_progress":
		msg.Kind = KindToolProgress
		msg.ToolProgress = &ToolProgress{
			ToolUseID:      w.ToolUseID,
			ToolName:       w.ToolName,
			ElapsedSeconds: w.ElapsedSeconds,
		}
	case "result":
		msg.Kind = KindResult
		msg.Result = decodeResult(&w)
	}
	return msg, nil
}

func decodeSystem(msg *Message, w *wireMessage) {
	switch w.Subtype {
	case "init":
		msg.Kind = KindInit
		msg.Init = &Init{
			RunID:          w.SessionID,
			Model:          w.Model,
			Cwd:            w.Cwd,
			Tools:          w.Tools,
			PermissionMode: w.PermissionMode,
		}
	case "hook_response":
		msg.Kind = KindHookResponse
		msg.Hook = &HookResponse{
			HookName:  w.HookName,
			HookEvent: w.HookEvent,
			Stdout:    w.Stdout,
			Stderr:    w.Stderr,
			ExitCode:  w.ExitCode,
		}
	case "compact_boundary":
		msg.Kind = KindCompactBoundary
		msg.Compact = &CompactBoundary{}
		if w.CompactMetadata != nil {
			msg.Compact = w.CompactMetadata
		}
	}
}

func decodeStreamEvent(msg *Message, w *wireMessage) {
	if len(w.Event) == 0 {
		return
	}
	var ev streamEvent
	if err := json.Unmarshal(w.Event, &ev); err != nil {
		return
	}
	if ev.Type == "content_block_start" && ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
		msg.Kind = KindToolStart
		msg.ToolStart = &ToolUse{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name, Input: ev.ContentBlock.Input}
		return
	}
	msg.Kind = KindDelta
	msg.Delta = &Delta{Event: w.Event}
}

func decodeBlocks(raw json.RawMessage) (*apiMessage, []contentBlock) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m apiMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil
	}
	var blocks []contentBlock
	// Content is either a block array or a plain string.
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return &m, nil
	}
	return &m, blocks
}

func decodeAssistant(raw json.RawMessage) *Assistant {
	m, blocks := decodeBlocks(raw)
	if m == nil {
		return nil
	}
	a := &Assistant{MessageID: m.ID, Model: m.Model, Content: m.Content}
	var text strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			a.ToolUses = append(a.ToolUses, ToolUse{ID: b.ID, Name: b.Name, Input: b.Input})
		}
	}
	a.Text = text.String()
	return a
}

func decodeToolResults(raw json.RawMessage) []ToolResult {
	_, blocks := decodeBlocks(raw)
	var out []ToolResult
	for _, b := range blocks {
		if b.Type == "tool_result" {
			out = append(out, ToolResult{ToolUseID: b.ToolUseID, IsError: b.IsError, Content: b.Content})
		}
	}
	return out
}

func decodeResult(w *wireMessage) *Result {
	r := &Result{
		StepID:            w.UUID,
		Subtype:           w.Subtype,
		IsError:           w.IsError,
		Text:              w.Result,
		CostUSD:           w.TotalCostUSD,
		NumTurns:          w.NumTurns,
		DurationMs:        w.DurationMs,
		StopReason:        w.Subtype,
		PermissionDenials: w.PermissionDenials,
	}
	if w.Usage != nil {
		r.Usage = *w.Usage
	}
	if w.StopReason != nil && *w.StopReason != "" {
		r.StopReason = *w.StopReason
	}
	if r.StepID == "" {
		r.StepID = uuid.NewString()
		r.StepIDGenerated = true
	}
	return r
}
