package llm

import "context"

// Client is the single-call model interface. One Chat call is exactly
// one request/response exchange; callers own looping and tool dispatch.
type Client interface {
	// Chat sends one completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
