package resilience

import (
	"testing"
	"time"
)

func TestBackoff_DefaultSchedule(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	want := []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		if got := b.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestBackoff_Exhaustion(t *testing.T) {
	t.Parallel()

	b := DefaultBackoff()
	if d := b.Delay(5); d >= 0 {
		t.Errorf("Delay past budget = %v, want negative", d)
	}
	if d := b.Delay(-1); d >= 0 {
		t.Errorf("Delay(-1) = %v, want negative", d)
	}
	if !b.Exhausted(5) {
		t.Error("attempt 5 should be exhausted")
	}
	if b.Exhausted(4) {
		t.Error("attempt 4 should not be exhausted")
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	t.Parallel()

	b := NewBackoff(time.Second, 2*time.Second, 10)
	if got := b.Delay(5); got != 2*time.Second {
		t.Errorf("Delay(5) = %v, want capped 2s", got)
	}
}

func TestNewBackoff_ZeroFieldsUseDefaults(t *testing.T) {
	t.Parallel()

	b := NewBackoff(0, 0, 0)
	d := DefaultBackoff()
	if b != d {
		t.Errorf("NewBackoff(0,0,0) = %+v, want defaults %+v", b, d)
	}
}
