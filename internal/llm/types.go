// Package llm provides the model provider client and the bounded-retry
// request executor built on top of it.
package llm

import "log/slog"

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is one entry of a conversation as seen by the provider.
// Content carries the text; an optional Image block rides alongside it
// for vision turns. Tool traffic uses ToolCalls (assistant side) and
// ToolCallID/IsError (tool-result side).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Image      *Image     `json:"image,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"` // tool results only
}

// Image is a base64-encoded image attached to a user message.
type Image struct {
	MediaType string `json:"media_type"` // e.g. image/jpeg
	Data      string `json:"data"`       // base64, no data: prefix
}

// ToolCall is a capability invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // provider-assigned, echoed back on the result
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatRequest is one provider call. Zero MaxTokens and Temperature mean
// "use the client defaults".
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []map[string]any
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the provider-neutral result of one call.
type ChatResponse struct {
	Model      string
	Message    Message
	StopReason string

	InputTokens  int
	OutputTokens int
}

// StreamEvent is a single event in a streaming response.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text fragment from the model.
	KindToken StreamEventKind = iota

	// KindDone signals the stream is complete.
	KindDone
)

// StreamCallback receives streaming events in arrival order.
type StreamCallback func(event StreamEvent)
