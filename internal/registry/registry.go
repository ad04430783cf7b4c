// Package registry tracks every live session, indexed both by client
// connection id and by session id, and enforces the process-wide session
// cap. It also owns the idle sweeper and the graceful-shutdown coordinator.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jatin5120/vantum-backend/internal/health"
	"github.com/Jatin5120/vantum-backend/internal/observe"
	"github.com/Jatin5120/vantum-backend/internal/resilience"
	"github.com/Jatin5120/vantum-backend/internal/session"
)

// Registry errors.
var (
	// ErrCapacity is returned when the concurrent-session cap is reached.
	ErrCapacity = resilience.WithClass(resilience.ClassResource, errors.New("registry: session capacity reached"))

	// ErrShuttingDown is returned for new sessions during graceful shutdown.
	ErrShuttingDown = resilience.WithClass(resilience.ClassResource, errors.New("registry: shutting down"))

	// ErrNotFound is returned by lookups for unknown ids.
	ErrNotFound = errors.New("registry: session not found")
)

// Config tunes the registry. Zero fields take defaults.
type Config struct {
	// MaxSessions caps concurrently active sessions. Default: 500.
	MaxSessions int

	// ShutdownPerSession bounds each session's cleanup during graceful
	// shutdown. Default: 5s.
	ShutdownPerSession time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 500
	}
	if c.ShutdownPerSession <= 0 {
		c.ShutdownPerSession = 5 * time.Second
	}
	return c
}

// Option is a functional option for configuring a [Registry].
type Option func(*Registry)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.met = m }
}

// Registry is the process-wide session index. Safe for concurrent use.
type Registry struct {
	cfg Config
	met *observe.Metrics

	mu           sync.Mutex
	byID         map[string]*session.Session
	byConn       map[string]*session.Session
	shuttingDown bool
}

// New creates an empty registry.
func New(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:    cfg.withDefaults(),
		met:    observe.DefaultMetrics(),
		byID:   make(map[string]*session.Session),
		byConn: make(map[string]*session.Session),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add registers a session under both indexes. It rejects with [ErrCapacity]
// at the session cap and [ErrShuttingDown] during graceful shutdown.
func (r *Registry) Add(s *session.Session) error {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if len(r.byID) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return ErrCapacity
	}
	r.byID[s.ID()] = s
	r.byConn[s.ConnID()] = s
	r.mu.Unlock()

	r.met.ActiveSessions.Add(context.Background(), 1)
	return nil
}

// ByID looks a session up by its session id.
func (r *Registry) ByID(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// ByConn looks a session up by its client-connection id.
func (r *Registry) ByConn(connID string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[connID]
	if !ok {
		return nil, fmt.Errorf("%w: connection %s", ErrNotFound, connID)
	}
	return s, nil
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}

// End removes a session from both indexes and tears it down. Unknown ids
// are a no-op so disconnect and sweep can race safely.
func (r *Registry) End(id string) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byID, id)
	delete(r.byConn, s.ConnID())
	r.mu.Unlock()

	r.met.ActiveSessions.Add(context.Background(), -1)
	return s.Close()
}

// Checker returns the readiness check for the health endpoint: ready while
// accepting sessions and below the cap.
func (r *Registry) Checker() health.Checker {
	return health.Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.shuttingDown {
				return errors.New("shutting down")
			}
			if len(r.byID) >= r.cfg.MaxSessions {
				return errors.New("at capacity")
			}
			return nil
		},
	}
}

// Shutdown marks the registry shutting-down, rejects new sessions, and
// races every live session's cleanup against the per-session timeout.
// Stragglers are logged and abandoned; their goroutines finish in the
// background. Ctx bounds the overall wait.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil
	}
	r.shuttingDown = true
	sessions := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.byID = make(map[string]*session.Session)
	r.byConn = make(map[string]*session.Session)
	r.mu.Unlock()

	slog.Info("shutting down sessions", "count", len(sessions))

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			done := make(chan error, 1)
			go func() { done <- s.Close() }()

			select {
			case err := <-done:
				r.met.ActiveSessions.Add(context.Background(), -1)
				if err != nil {
					slog.Warn("session cleanup failed", "session_id", s.ID(), "error", err)
				}
				return nil
			case <-time.After(r.cfg.ShutdownPerSession):
				r.met.ActiveSessions.Add(context.Background(), -1)
				slog.Warn("session cleanup timed out", "session_id", s.ID())
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("registry: shutdown: %w", err)
	}
	return nil
}
