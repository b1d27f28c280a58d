// Package llm provides the model client used for single call-and-response
// exchanges. The client never loops and knows nothing about tool dispatch;
// it converts between the internal message shape and the provider wire
// format and reports token usage per exchange.
package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message for the model.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool invocation emitted by the model.
type ToolCall struct {
	// ID is the provider-assigned invocation id, required for
	// correlating the eventual tool_result block.
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the result of one model exchange. Wire format
// conversion happens at the provider boundary; all fields here use
// provider-neutral Go types.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	// Token usage for this single exchange.
	InputTokens  int
	OutputTokens int
}
