// Package stt defines the contract the gateway consumes from a streaming
// speech-to-text upstream.
//
// The central abstraction is StreamHandle: a long-lived bidirectional
// recognition stream that accepts raw PCM audio and emits transcript events.
// A single handle survives many utterances — the CloseStream control message
// flushes the current utterance without tearing the connection down, and the
// upstream answers with a metadata event once the flush is complete. That
// handshake is what lets the second and later utterances on a session see
// zero connection-setup latency.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition settings for a new
// recognition stream.
type StreamConfig struct {
	// SampleRate of the PCM audio in Hz (mono, 16-bit signed little-endian).
	SampleRate int

	// Language is the BCP-47 recognition language (e.g. "en-US"). Empty
	// selects the provider default.
	Language string

	// Model selects the upstream recognition model. Empty selects the
	// provider default.
	Model string
}

// EventType discriminates the values emitted on a handle's event channel.
type EventType int

const (
	// EventTranscript carries an interim or final transcript.
	EventTranscript EventType = iota

	// EventMetadata signals that the upstream has flushed the stream in
	// response to a CloseStream control message.
	EventMetadata

	// EventClosed signals that the upstream connection ended. Err carries
	// the close reason when the close was not requested.
	EventClosed

	// EventError carries a stream-level error. The connection may or may
	// not survive; an EventClosed follows if it does not.
	EventError
)

// Transcript is one recognition result from the upstream.
type Transcript struct {
	// Text is the recognised speech.
	Text string

	// Confidence is the upstream's score in [0,1]; zero when unreported.
	Confidence float64

	// IsFinal distinguishes authoritative results from interim guesses.
	IsFinal bool
}

// Event is a single item on the handle's event stream.
type Event struct {
	Type       EventType
	Transcript Transcript
	Err        error
}

// StreamHandle is an open recognition stream.
//
// Callers must call Close when the handle is no longer needed; the Events
// channel is closed when the stream ends. All methods are safe for
// concurrent use.
type StreamHandle interface {
	// SendAudio delivers a chunk of raw PCM at the configured rate.
	// Returns an error after Close.
	SendAudio(chunk []byte) error

	// CloseStream sends the upstream's close-stream control message, asking
	// it to flush the current utterance. The connection stays open; the
	// upstream acknowledges with an EventMetadata event.
	CloseStream() error

	// KeepAlive sends a heartbeat so the upstream does not reap an idle
	// stream between utterances.
	KeepAlive() error

	// Events returns the stream of transcripts, metadata acknowledgements,
	// and connection events. Closed when the stream ends.
	Events() <-chan Event

	// Close terminates the connection and releases all resources. Safe to
	// call more than once.
	Close() error
}

// Provider opens recognition streams against one STT upstream.
type Provider interface {
	// StartStream dials the upstream and returns a ready StreamHandle.
	// The context bounds the connection attempt only.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)
}
