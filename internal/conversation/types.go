// Package conversation provides the durable data model for studio
// conversations: the conversation record, its ordered message history,
// and the SQLite store that persists both.
package conversation

import "time"

// Conversation is a single studio conversation. Title and Signals are
// derived in the background and may lag behind the message history.
type Conversation struct {
	ID           string         `json:"id"`
	Title        string         `json:"title,omitempty"`
	Signals      []StudioSignal `json:"signals,omitempty"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// StudioSignal is a derived topic descriptor for a conversation.
type StudioSignal struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Message is one entry in a conversation's durable history. Seq is
// assigned by the store in append order and is unique per conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int       `json:"seq"`
	Role           string    `json:"role"` // "user", "assistant"
	Content        string    `json:"content"`
	IsError        bool      `json:"is_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TurnUsage carries the token and cost totals accumulated across all
// model calls of one turn, folded into the conversation counters when
// the turn is persisted.
type TurnUsage struct {
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}
