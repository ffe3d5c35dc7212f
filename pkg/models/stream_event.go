package models

import "encoding/json"

// StreamEventType identifies one kind of normalized agent output.
type StreamEventType string

const (
	StreamText       StreamEventType = "text"
	StreamToolUse    StreamEventType = "tool_use"
	StreamToolResult StreamEventType = "tool_result"
	StreamTokenUsage StreamEventType = "token_usage"
	StreamError      StreamEventType = "error"
	StreamDone       StreamEventType = "done"
)

// StreamEvent is one normalized unit of agent output. Exactly one field set
// beyond Type carries the payload for that event kind. A run emits zero or
// more events and terminates with exactly one StreamDone; nothing follows it.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	TokenUsage *TokenUsage     `json:"token_usage,omitempty"`
}

// TokenUsage tracks token consumption and estimated cost for one run.
// CostUSD never decreases across the life of a run.
type TokenUsage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
}

// Total returns the total token count.
func (u *TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Add accumulates another usage record into this one.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CostUSD += other.CostUSD
}

// RunResult is the final structured outcome of one agent run.
type RunResult struct {
	FullText      string      `json:"full_text"`
	ModifiedFiles []string    `json:"modified_files,omitempty"`
	TokenUsage    *TokenUsage `json:"token_usage,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
}
