// Package llm talks to the generation provider.
//
// Two transports are supported: the Anthropic Messages API over HTTP and a gRPC
// sidecar. Both accept the same Request, which separates instruction blocks
// (optionally marked cacheable) from the turn-ordered conversation.
package llm

import (
	"context"
	"iter"
)

// Conversation roles on the provider wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Block is one system instruction segment. Cacheable blocks are sent with a
// provider-side reuse marker.
type Block struct {
	Text      string
	Cacheable bool
}

// Message is one turn of the conversation sent to the provider.
type Message struct {
	Role    string
	Content string
}

// Request is a single generation call.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	System      []Block
	Messages    []Message
}

// Usage reports token counts for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the result of a non-streaming call.
type Response struct {
	Content    string
	Model      string
	StopReason string
	Usage      Usage
}

// Chunk is one streamed increment. The final chunk has Done set and carries
// the accumulated usage; its Text is empty.
type Chunk struct {
	Text  string
	Done  bool
	Usage Usage
}

// Completer issues call-based (non-streaming) completions.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Streamer issues streaming completions. The sequence is single-pass: it
// yields text chunks in order, then one Done chunk, or stops at the first error.
// Cancelling ctx closes the provider connection.
type Streamer interface {
	Stream(ctx context.Context, req Request) iter.Seq2[*Chunk, error]
}

// Client is a provider that supports both call styles.
type Client interface {
	Completer
	Streamer
}
