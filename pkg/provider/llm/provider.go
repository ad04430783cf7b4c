// Package llm defines the contract the gateway consumes from a Large
// Language Model upstream: ordered conversation messages in, a stream of
// content deltas out.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import (
	"context"
	"time"
)

// Message roles. The first message of every conversation is the system
// prompt; user and assistant turns alternate after it.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string

	// Timestamp records when the message entered the history.
	Timestamp time.Time
}

// Request carries everything the model needs to produce a response.
type Request struct {
	// Model selects the upstream model. Empty selects the provider default.
	Model string

	// Messages is the ordered conversation history; the last entry is the
	// user turn that drives the response.
	Messages []Message

	// Sampling parameters. Zero values select provider defaults.
	Temperature      float64
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
	MaxTokens        int
}

// Delta is a single fragment emitted by a streaming completion.
type Delta struct {
	// Text is the incremental content of this fragment. May be empty on the
	// final delta.
	Text string

	// FinishReason is set on the final delta ("stop", "length", …) and
	// empty on all others.
	FinishReason string

	// Err carries a mid-stream failure. When set, the channel closes after
	// this delta and the accumulated response is incomplete.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a completion and returns the delta stream.
	// The returned channel is closed when the stream ends or ctx is
	// cancelled; a Delta with Err set reports mid-stream failure.
	StreamCompletion(ctx context.Context, req Request) (<-chan Delta, error)
}
