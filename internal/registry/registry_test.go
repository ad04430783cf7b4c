package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Jatin5120/vantum-backend/internal/config"
	"github.com/Jatin5120/vantum-backend/internal/resilience"
	"github.com/Jatin5120/vantum-backend/internal/session"
	"github.com/Jatin5120/vantum-backend/pkg/ident"
	"github.com/Jatin5120/vantum-backend/pkg/protocol"
	llmmock "github.com/Jatin5120/vantum-backend/pkg/provider/llm/mock"
	sttmock "github.com/Jatin5120/vantum-backend/pkg/provider/stt/mock"
	ttsmock "github.com/Jatin5120/vantum-backend/pkg/provider/tts/mock"
)

type nopWriter struct{}

func (nopWriter) WriteFrame(protocol.Frame) error { return nil }

func newSession(connID string) *session.Session {
	providers := session.Providers{
		STT: &sttmock.Provider{},
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{},
	}
	return session.New(ident.NewSessionID(), connID, nopWriter{}, providers, config.Default())
}

func TestRegistry_AddAndLookup(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	s := newSession("conn-1")
	if err := r.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := r.ByID(s.ID())
	if err != nil || got != s {
		t.Errorf("ByID = %v, %v", got, err)
	}
	got, err = r.ByConn("conn-1")
	if err != nil || got != s {
		t.Errorf("ByConn = %v, %v", got, err)
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}

	if _, err := r.ByID("sess_unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown ByID = %v, want ErrNotFound", err)
	}
	if _, err := r.ByConn("conn-unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown ByConn = %v, want ErrNotFound", err)
	}
}

func TestRegistry_CapacityRejects(t *testing.T) {
	t.Parallel()

	r := New(Config{MaxSessions: 2})
	for i := 0; i < 2; i++ {
		if err := r.Add(newSession(fmt.Sprintf("conn-%d", i))); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}

	err := r.Add(newSession("conn-over"))
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("Add over cap = %v, want ErrCapacity", err)
	}
	if resilience.Classify(err) != resilience.ClassResource {
		t.Errorf("capacity class = %v, want resource", resilience.Classify(err))
	}
}

func TestRegistry_EndRemovesBothIndexes(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	s := newSession("conn-1")
	_ = r.Add(s)

	if err := r.End(s.ID()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := r.ByID(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("ByID after End = %v, want ErrNotFound", err)
	}
	if _, err := r.ByConn("conn-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ByConn after End = %v, want ErrNotFound", err)
	}
	if s.State() != session.StateClosed {
		t.Errorf("session state = %v, want closed", s.State())
	}

	// Ending an unknown id is a no-op so disconnect and sweep can race.
	if err := r.End(s.ID()); err != nil {
		t.Errorf("second End = %v, want nil", err)
	}
}

func TestRegistry_ShutdownClosesAllAndRejectsNew(t *testing.T) {
	t.Parallel()

	r := New(Config{ShutdownPerSession: time.Second})
	sessions := []*session.Session{newSession("conn-1"), newSession("conn-2")}
	for _, s := range sessions {
		_ = r.Add(s)
	}

	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range sessions {
		if s.State() != session.StateClosed {
			t.Errorf("session %s state = %v, want closed", s.ID(), s.State())
		}
	}
	if r.Count() != 0 {
		t.Errorf("Count after shutdown = %d, want 0", r.Count())
	}

	if err := r.Add(newSession("conn-late")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Add during shutdown = %v, want ErrShuttingDown", err)
	}

	// Idempotent.
	if err := r.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

func TestRegistry_Checker(t *testing.T) {
	t.Parallel()

	r := New(Config{MaxSessions: 1})
	c := r.Checker()
	if c.Name != "sessions" {
		t.Errorf("checker name = %q", c.Name)
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("Check on empty registry = %v", err)
	}

	_ = r.Add(newSession("conn-1"))
	if err := c.Check(context.Background()); err == nil {
		t.Error("Check at capacity should fail")
	}

	r2 := New(Config{})
	_ = r2.Shutdown(context.Background())
	if err := r2.Checker().Check(context.Background()); err == nil {
		t.Error("Check while shutting down should fail")
	}
}

func TestSweeper_ReapsIdleSessions(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	s := newSession("conn-1")
	_ = r.Add(s)

	sw := NewSweeper(r, SweeperConfig{Interval: time.Hour, IdleTimeout: time.Millisecond, MaxDuration: time.Hour})
	time.Sleep(5 * time.Millisecond)
	sw.Sweep()

	if r.Count() != 0 {
		t.Errorf("Count after sweep = %d, want 0", r.Count())
	}
	if s.State() != session.StateClosed {
		t.Errorf("session state = %v, want closed", s.State())
	}
}

func TestSweeper_ReapsOverageSessions(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	s := newSession("conn-1")
	_ = r.Add(s)
	s.Touch()

	sw := NewSweeper(r, SweeperConfig{Interval: time.Hour, IdleTimeout: time.Hour, MaxDuration: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	sw.Sweep()

	if r.Count() != 0 {
		t.Errorf("Count after sweep = %d, want 0", r.Count())
	}
}

func TestSweeper_KeepsActiveSessions(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	s := newSession("conn-1")
	_ = r.Add(s)
	s.Touch()

	sw := NewSweeper(r, SweeperConfig{})
	sw.Sweep()

	if r.Count() != 1 {
		t.Errorf("Count after sweep = %d, want 1", r.Count())
	}
}

func TestSweeper_StartStop(t *testing.T) {
	t.Parallel()

	r := New(Config{})
	s := newSession("conn-1")
	_ = r.Add(s)

	sw := NewSweeper(r, SweeperConfig{Interval: 2 * time.Millisecond, IdleTimeout: time.Millisecond})
	sw.Start()
	deadline := time.Now().Add(2 * time.Second)
	for r.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	sw.Stop()
	sw.Stop()

	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0 after automatic sweep", r.Count())
	}
}
