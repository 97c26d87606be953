// Package llm is the model adapter: an OpenAI-compatible chat client with
// streaming, endpoint pooling, think-tag stripping, and token accounting.
package llm

import (
	"context"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Usage is the token accounting for one completion. When the backend omits
// usage, it is estimated locally from the encoded prompt and completion.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// ChatRequest is a single completion request.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a completed (non-streaming or assembled) response with
// reasoning tags already stripped.
type ChatResponse struct {
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"` // stripped reasoning, kept for logs
	Usage    Usage  `json:"usage"`
}

// StreamChunk is one delta of a streaming completion. Done is set on the
// final chunk, which also carries usage.
type StreamChunk struct {
	Delta string
	Done  bool
	Usage Usage
}

// StreamHandler receives chunks in order. Returning an error aborts the
// stream.
type StreamHandler func(chunk StreamChunk) error

// Client is the model port. Implementations must strip reasoning tags from
// both streamed deltas and assembled content.
type Client interface {
	// Chat performs a blocking completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ChatStream streams a completion through handler and returns the
	// assembled response.
	ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error)
	// Model reports the configured model name.
	Model() string
}
