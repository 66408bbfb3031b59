package resilience

import (
	"testing"
	"time"
)

func TestBackoff_NextDelay(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		Initial:  100 * time.Millisecond,
		Factor:   2,
		MaxDelay: time.Second,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		if got := b.NextDelay(); got != w {
			t.Errorf("NextDelay() #%d = %v, want %v", i, got, w)
		}
	}
	if b.Attempt() != len(want) {
		t.Errorf("Attempt() = %d, want %d", b.Attempt(), len(want))
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 10 * time.Millisecond, Factor: 3, MaxDelay: time.Second})

	b.NextDelay()
	b.NextDelay()
	b.Reset()

	if b.Attempt() != 0 {
		t.Errorf("Attempt() after Reset = %d, want 0", b.Attempt())
	}
	if got := b.NextDelay(); got != 10*time.Millisecond {
		t.Errorf("NextDelay() after Reset = %v, want 10ms", got)
	}
}

func TestBackoff_HugeAttemptCapsAtMax(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Factor: 10, MaxDelay: time.Minute})
	for i := 0; i < 500; i++ {
		b.NextDelay()
	}
	if got := b.NextDelay(); got != time.Minute {
		t.Errorf("NextDelay() after 500 attempts = %v, want 1m", got)
	}
}
