package resilience

import "time"

// Backoff is an exponential reconnect schedule with a fixed attempt budget.
// Delays double from Initial up to Max; once Attempts delays have been
// consumed the caller must stop retrying and escalate.
//
// The zero value is not usable; construct with [NewBackoff] or
// [DefaultBackoff].
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay growth.
	Max time.Duration

	// Attempts is the total retry budget.
	Attempts int
}

// DefaultBackoff is the reconnect schedule for upstream provider
// connections: 250ms, 500ms, 1s, 2s, 4s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 250 * time.Millisecond, Max: 4 * time.Second, Attempts: 5}
}

// NewBackoff builds a schedule, substituting defaults for zero fields.
func NewBackoff(initial, max time.Duration, attempts int) Backoff {
	d := DefaultBackoff()
	if initial > 0 {
		d.Initial = initial
	}
	if max > 0 {
		d.Max = max
	}
	if attempts > 0 {
		d.Attempts = attempts
	}
	return d
}

// Delay returns the wait before retry number attempt (zero-based). Attempts
// at or past the budget return a negative duration, signalling exhaustion.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 || attempt >= b.Attempts {
		return -1
	}
	d := b.Initial << uint(attempt)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// Exhausted reports whether the attempt counter has consumed the budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.Attempts
}
