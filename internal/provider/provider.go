// Package provider talks to the embedding and language model backends.
package provider

import "context"

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CompletionRequest is a single-shot chat completion
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Completion is the provider's answer. Token counts are zero when the backend
// does not report usage.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Completer produces a full completion
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// Streamer produces a completion incrementally. onDelta is called for every
// text fragment; returning an error from it aborts the stream.
type Streamer interface {
	Stream(ctx context.Context, req CompletionRequest, onDelta func(delta string) error) (*Completion, error)
}
