// Package resilience provides the failure taxonomy, reconnect backoff
// schedule, and circuit breaker the pipeline engines share.
//
// Every error crossing an engine boundary is assigned a [Class] that decides
// the blast radius: input errors are reported to the client and dropped,
// transient errors trigger retry or reconnect, fatal errors tear down the
// session, and resource errors reject new work while in-flight work
// continues. All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"net"
	"time"
)

// Class partitions errors by the recovery action they demand.
type Class int

const (
	// ClassInput marks malformed or out-of-order client input. The offending
	// message is rejected; the session continues.
	ClassInput Class = iota

	// ClassTransient marks recoverable upstream failures — dropped
	// connections, timeouts, 5xx responses. Retry or reconnect applies.
	ClassTransient

	// ClassFatal marks unrecoverable failures — exhausted retries,
	// authentication rejection, invalid configuration. The session ends.
	ClassFatal

	// ClassProtocol marks frames that violate the wire contract — unknown
	// event types, missing required fields. The frame is rejected with an
	// error event; the session continues.
	ClassProtocol

	// ClassResource marks capacity limits — session cap reached, queue full.
	// New work is rejected; existing work is unaffected.
	ClassResource
)

// String returns the taxonomy label used in logs and error events.
func (c Class) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassProtocol:
		return "protocol"
	case ClassResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Classified carries an error together with its recovery class. Engines wrap
// errors at the boundary where the class is known and callers branch on it
// via [Classify].
type Classified struct {
	Class Class
	Err   error
}

// Error implements the error interface.
func (c *Classified) Error() string {
	return c.Class.String() + ": " + c.Err.Error()
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (c *Classified) Unwrap() error { return c.Err }

// WithClass wraps err with an explicit class. A nil err yields nil.
func WithClass(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Class: class, Err: err}
}

// Classify returns the class of err. Explicitly wrapped errors report their
// assigned class; everything else is inspected structurally. Unknown errors
// default to transient so a single odd failure never kills a session —
// exhausted retries escalate to fatal at the engine layer instead.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var c *Classified
	if errors.As(err, &c) {
		return c.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// Retryable reports whether the recovery action for err involves retrying.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

// RetryAfter suggests how long callers rejected with a resource error should
// wait before trying again. Zero for every other class.
func RetryAfter(err error) time.Duration {
	if Classify(err) == ClassResource {
		return time.Second
	}
	return 0
}
