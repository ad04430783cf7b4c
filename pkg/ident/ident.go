// Package ident generates the time-ordered identifiers used throughout the
// gateway: session ids, utterance ids, and per-frame event ids.
//
// All identifiers are UUIDv7 values rendered in canonical lowercase-hex form
// with a kind prefix. Because UUIDv7 embeds a millisecond timestamp in its
// most significant bits, lexicographic order of two identifiers of the same
// kind equals their creation order — a property the delivery-ordering
// invariants of the pipeline rely on.
package ident

import "github.com/google/uuid"

// Kind prefixes. Prefixes never change once shipped; clients correlate
// messages by full identifier strings.
const (
	sessionPrefix   = "sess_"
	utterancePrefix = "utt_"
	eventPrefix     = "evt_"
	connPrefix      = "conn_"
)

// NewSessionID returns a fresh time-ordered session identifier.
func NewSessionID() string { return sessionPrefix + newV7() }

// NewConnID returns a fresh time-ordered connection identifier.
func NewConnID() string { return connPrefix + newV7() }

// NewUtteranceID returns a fresh time-ordered utterance identifier.
func NewUtteranceID() string { return utterancePrefix + newV7() }

// NewEventID returns a fresh time-ordered event identifier.
func NewEventID() string { return eventPrefix + newV7() }

// newV7 returns a UUIDv7 string. uuid.NewV7 only fails when the system
// entropy source is unavailable; in that case a random v4 is used so the
// caller still gets a unique id (ordering degrades, uniqueness does not).
func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
