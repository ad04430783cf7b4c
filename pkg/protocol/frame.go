package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame is the self-describing record exchanged on the client connection.
//
// Requests from the client carry a fresh EventID; acknowledgements and
// in-response messages echo the EventID and SessionID of the request that
// triggered them. All frames belonging to one TTS response share the
// request's EventID; individual audio chunks additionally carry their own
// per-chunk event id inside the payload envelope.
type Frame struct {
	// EventType is the hierarchical dotted event name (see the catalogue).
	EventType string `json:"eventType"`

	// EventID is a time-ordered unique id (fresh on requests, echoed on
	// responses).
	EventID string `json:"eventId"`

	// SessionID identifies the owning session. Empty only on the very first
	// frames of a connection, before the ack has assigned one.
	SessionID string `json:"sessionId,omitempty"`

	// RequestType is set on error frames only and carries the eventType of
	// the request that failed.
	RequestType string `json:"requestType,omitempty"`

	// Payload is the event-specific body. Decoded on demand via
	// [Frame.DecodePayload].
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame validation errors.
var (
	ErrEmptyFrame       = errors.New("protocol: empty frame")
	ErrMissingEventType = errors.New("protocol: missing eventType")
	ErrUnknownEventType = errors.New("protocol: unknown eventType")
)

// Decode parses a raw message into a Frame and validates the envelope.
func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.EventType == "" {
		return Frame{}, ErrMissingEventType
	}
	if !Known(f.EventType) {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownEventType, f.EventType)
	}
	return f, nil
}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode frame: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("protocol: %s: empty payload", f.EventType)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: %s: decode payload: %w", f.EventType, err)
	}
	return nil
}

// NewFrame builds a frame with a marshalled payload. It panics only on
// payload types that cannot be marshalled, which is a programming error.
func NewFrame(eventType, eventID, sessionID string, payload any) Frame {
	f := Frame{
		EventType: eventType,
		EventID:   eventID,
		SessionID: sessionID,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			panic(fmt.Sprintf("protocol: marshal %T payload: %v", payload, err))
		}
		f.Payload = raw
	}
	return f
}

// NewErrorFrame builds an error frame for a failed request. The error event
// type is derived from the request's domain, the request's EventID is
// echoed, and the original event type travels in RequestType.
func NewErrorFrame(req Frame, message string) Frame {
	f := NewFrame(ErrorEventType(req.EventType), req.EventID, req.SessionID, ErrorPayload{Message: message})
	f.RequestType = req.EventType
	return f
}

// ─── Payloads ─────────────────────────────────────────────────────────────────

// AckPayload acknowledges a new connection and assigns its session id.
type AckPayload struct {
	SessionID string `json:"sessionId"`
}

// AudioStartPayload opens an input turn and declares the client audio format.
type AudioStartPayload struct {
	// SampleRate is the client's source rate in Hz (e.g. 48000).
	SampleRate int `json:"sampleRate"`

	// Language is the BCP-47 recognition language (e.g. "en-US").
	Language string `json:"language,omitempty"`
}

// AudioChunkPayload carries raw PCM in both directions. encoding/json
// transports the byte slice as base64.
type AudioChunkPayload struct {
	// Data is interleaved little-endian 16-bit signed PCM, mono.
	Data []byte `json:"data"`

	// UtteranceID correlates output chunks to one synthesis cycle. Empty on
	// input chunks.
	UtteranceID string `json:"utteranceId,omitempty"`

	// ChunkEventID is the per-chunk time-ordered event id on output chunks.
	ChunkEventID string `json:"chunkEventId,omitempty"`

	// Seq is the zero-based chunk index within the utterance (output only).
	Seq int `json:"seq"`
}

// TranscriptPayload carries an interim or final transcript to the client.
type TranscriptPayload struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence,omitempty"`
}

// OutputStartPayload announces the first audio chunk of an utterance.
type OutputStartPayload struct {
	UtteranceID string `json:"utteranceId"`

	// SampleRate of the chunks that follow, in Hz.
	SampleRate int `json:"sampleRate"`
}

// OutputCompletePayload closes an utterance and reports its playback length.
type OutputCompletePayload struct {
	UtteranceID string `json:"utteranceId"`

	// DurationMs is the total audio playback duration in milliseconds.
	DurationMs int64 `json:"durationMs"`
}

// OutputCancelPayload reports that an in-flight utterance was cancelled.
type OutputCancelPayload struct {
	UtteranceID string `json:"utteranceId"`
}

// ErrorPayload is the body of every error frame. The message is user-safe:
// no stack traces, no upstream provider names.
type ErrorPayload struct {
	Message string `json:"message"`
}

// DurationMs converts a duration to the integer milliseconds used on the wire.
func DurationMs(d time.Duration) int64 { return d.Milliseconds() }
