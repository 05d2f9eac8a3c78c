package llm

import "context"

// Client is the provider boundary. Implementations make exactly one
// provider call per method invocation; retry policy lives in Executor.
type Client interface {
	// Chat sends a non-streaming request and returns the full response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends a streaming request. Text fragments are delivered
	// to callback as they arrive. Tool declarations must not be passed in
	// streaming mode; tool use is only supported on non-streaming calls.
	ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable with the configured key.
	Ping(ctx context.Context) error
}
