package registry

import (
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig tunes the reaper. Zero fields take defaults.
type SweeperConfig struct {
	// Interval between sweeps. Default: 5m.
	Interval time.Duration

	// IdleTimeout reaps sessions with no client activity. Default: 30m.
	IdleTimeout time.Duration

	// MaxDuration caps total session lifetime. Default: 2h.
	MaxDuration time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 2 * time.Hour
	}
	return c
}

// Sweeper periodically reaps sessions that went idle, outlived the maximum
// duration, or lost an upstream engine permanently.
type Sweeper struct {
	reg *Registry
	cfg SweeperConfig

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewSweeper creates a sweeper over reg. Call [Sweeper.Start] to begin.
func NewSweeper(reg *Registry, cfg SweeperConfig) *Sweeper {
	return &Sweeper{reg: reg, cfg: cfg.withDefaults(), done: make(chan struct{})}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the sweep loop and waits for an in-flight sweep. Idempotent.
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one reap pass. Exported so tests and shutdown paths can force
// a pass without waiting for the ticker.
func (s *Sweeper) Sweep() {
	for _, sess := range s.reg.Sessions() {
		var reason string
		switch {
		case sess.Degraded() != nil:
			reason = "degraded"
		case sess.IdleFor() > s.cfg.IdleTimeout:
			reason = "idle"
		case sess.Age() > s.cfg.MaxDuration:
			reason = "max-duration"
		default:
			continue
		}

		slog.Info("sweeping session", "session_id", sess.ID(), "reason", reason,
			"idle", sess.IdleFor().Round(time.Second), "age", sess.Age().Round(time.Second))
		if err := s.reg.End(sess.ID()); err != nil {
			slog.Warn("session sweep cleanup failed", "session_id", sess.ID(), "error", err)
		}
	}
}
