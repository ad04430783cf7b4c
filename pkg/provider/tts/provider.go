// Package tts defines the contract the gateway consumes from a streaming
// text-to-speech upstream.
//
// A Provider opens one persistent synthesis connection per session
// (StreamHandle). Each Synthesize call runs one generation cycle and
// returns an AudioSource: a growing PCM buffer with a monotonically
// increasing write index and three event kinds — data-available, close, and
// error. Consumers track their own read cursor against the write index so a
// data callback only ever processes the new tail.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// SynthesisConfig describes the voice and output format for a synthesis
// connection.
type SynthesisConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string

	// ModelID selects the synthesis model. Empty selects the provider
	// default.
	ModelID string

	// Language is the BCP-47 synthesis language.
	Language string

	// SampleRate of the emitted PCM in Hz (mono, 16-bit signed
	// little-endian). Typically 16000.
	SampleRate int
}

// AudioSource is the audio output of one generation cycle.
//
// Listener registration is not retroactive-safe by itself: bytes may arrive
// between Synthesize returning and OnData being attached. Consumers must
// check WriteIndex after attaching listeners and drain any bytes already
// buffered. RemoveListeners is idempotent and must be called on every exit
// path.
type AudioSource interface {
	// ReadFrom returns the buffered bytes from offset up to the current
	// write index. An offset at or past the write index yields nil.
	ReadFrom(offset int) []byte

	// WriteIndex returns the total number of bytes written so far. It only
	// ever increases.
	WriteIndex() int

	// OnData registers the data-available callback, invoked after every
	// append. At most one callback per kind is active; re-registration
	// replaces.
	OnData(fn func())

	// OnClose registers the end-of-stream callback.
	OnClose(fn func())

	// OnError registers the failure callback.
	OnError(fn func(err error))

	// RemoveListeners detaches all three callbacks. Idempotent.
	RemoveListeners()
}

// StreamHandle is an open synthesis connection.
//
// All methods are safe for concurrent use, but implementations may assume
// at most one generation cycle in flight — the caller serialises Synthesize.
type StreamHandle interface {
	// Synthesize starts one generation cycle for text and returns its audio
	// source. The context bounds the request send, not the streaming that
	// follows.
	Synthesize(ctx context.Context, text string) (AudioSource, error)

	// KeepAlive pings the transport so the upstream does not reap an idle
	// connection between utterances.
	KeepAlive() error

	// Closed returns a channel that is closed when the connection ends.
	// Err reports the close reason afterwards; nil means a requested close.
	Closed() <-chan struct{}

	// Err returns the close reason once Closed is signalled.
	Err() error

	// Close terminates the connection. Safe to call more than once.
	Close() error
}

// Provider opens synthesis connections against one TTS upstream.
type Provider interface {
	// Connect dials the upstream and returns a ready StreamHandle.
	// The context bounds the connection attempt only.
	Connect(ctx context.Context, cfg SynthesisConfig) (StreamHandle, error)
}
