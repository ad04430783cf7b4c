package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open and
// the cooldown has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit is open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrCircuitOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerHalfOpen lets a bounded number of probe calls through to test
	// whether the upstream recovered.
	BreakerHalfOpen
)

// String returns the state label used in logs.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels log entries.
	Name string

	// Threshold is the consecutive-failure count that opens the breaker.
	// Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// Probes is the number of consecutive half-open successes required to
	// close. Default: 2.
	Probes int
}

// Breaker is a three-state circuit breaker (closed → open → half-open).
// It protects the LLM pipeline from hammering an upstream that is down.
// Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probes    int

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a [Breaker], filling zero config fields with defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
	}
}

// Do runs fn if the breaker allows it, recording the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// allow admits or rejects a call, moving open → half-open when the cooldown
// has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		slog.Info("circuit half-open", "breaker", b.name)
	}
	return nil
}

// record updates failure accounting after a forwarded call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		switch b.state {
		case BreakerHalfOpen:
			b.open("probe failed")
		case BreakerClosed:
			if b.failures >= b.threshold {
				b.open("failure threshold reached")
			}
		}
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.probes {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("circuit closed", "breaker", b.name)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// open trips the breaker. Must be called with b.mu held.
func (b *Breaker) open(reason string) {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	slog.Warn("circuit opened",
		"breaker", b.name,
		"reason", reason,
		"consecutive_failures", b.failures)
}

// State returns the current state. An elapsed cooldown reports half-open
// even though the transition happens on the next [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}
