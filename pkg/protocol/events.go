// Package protocol defines the wire format spoken between the gateway and
// its clients: self-describing frames, the event catalogue with direction
// and priority metadata, and the typed payloads carried by each event.
//
// Every frame is a JSON record with an eventType, a time-ordered eventId,
// the owning sessionId, and an event-specific payload. Binary audio travels
// as base64-encoded little-endian 16-bit signed PCM inside the payload.
package protocol

import "strings"

// Event types. The names are hierarchical dotted paths: domain, subject,
// action. Error variants are derived per domain via [ErrorEventType].
const (
	EventConnectionAck = "connection.lifecycle.ack"

	EventAudioInputStart = "audio.input.start"
	EventAudioInputChunk = "audio.input.chunk"
	EventAudioInputStop  = "audio.input.stop"

	EventTranscriptInterim = "transcript.interim.result"
	EventTranscriptFinal   = "transcript.final.result"

	EventAudioOutputStart    = "audio.output.start"
	EventAudioOutputChunk    = "audio.output.chunk"
	EventAudioOutputComplete = "audio.output.complete"
	EventAudioOutputCancel   = "audio.output.cancel"

	EventUserInterrupt = "user.action.interrupt"
)

// Direction declares which side of the connection may originate an event.
type Direction int

const (
	// ClientToServer events originate at the client.
	ClientToServer Direction = iota

	// ServerToClient events originate at the gateway.
	ServerToClient

	// Bidirectional events may originate at either side.
	Bidirectional
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case ClientToServer:
		return "client-to-server"
	case ServerToClient:
		return "server-to-client"
	case Bidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// Priority ranks events by delivery importance. It tells a consumer which
// traffic may be dropped first when a connection falls behind; critical
// events must always be delivered. The gateway itself delivers every frame
// and leaves shedding decisions to consumers of the catalogue.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the human-readable name of the priority class.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// EventInfo is the catalogue entry for a single event type.
type EventInfo struct {
	Direction Direction
	Priority  Priority
}

// Catalogue maps every known event type to its direction and priority class.
var Catalogue = map[string]EventInfo{
	EventConnectionAck: {ServerToClient, PriorityCritical},

	EventAudioInputStart: {ClientToServer, PriorityCritical},
	EventAudioInputChunk: {ClientToServer, PriorityHigh},
	EventAudioInputStop:  {ClientToServer, PriorityCritical},

	EventTranscriptInterim: {ServerToClient, PriorityLow},
	EventTranscriptFinal:   {ServerToClient, PriorityHigh},

	EventAudioOutputStart:    {ServerToClient, PriorityHigh},
	EventAudioOutputChunk:    {ServerToClient, PriorityHigh},
	EventAudioOutputComplete: {ServerToClient, PriorityHigh},
	EventAudioOutputCancel:   {ServerToClient, PriorityHigh},

	EventUserInterrupt: {ClientToServer, PriorityCritical},
}

// Known reports whether eventType appears in the catalogue or is a derived
// error variant of a catalogued domain.
func Known(eventType string) bool {
	if _, ok := Catalogue[eventType]; ok {
		return true
	}
	return strings.HasSuffix(eventType, ".error") && strings.Count(eventType, ".") == 2
}

// ErrorEventType derives the per-domain error event type for a request
// event: the action segment is replaced with "error", so
// "audio.input.chunk" maps to "audio.input.error". Event types with fewer
// than three segments map to the generic "connection.lifecycle.error".
func ErrorEventType(eventType string) string {
	parts := strings.Split(eventType, ".")
	if len(parts) < 3 {
		return "connection.lifecycle.error"
	}
	return parts[0] + "." + parts[1] + ".error"
}
