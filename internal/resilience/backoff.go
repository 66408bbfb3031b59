package resilience

import (
	"math"
	"sync"
	"time"
)

// Backoff computes exponentially growing retry delays.
type Backoff struct {
	cfg BackoffConfig

	mu      sync.Mutex
	attempt int
}

// NewBackoff creates a Backoff. A factor below 1 is treated as 1.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Factor < 1 {
		cfg.Factor = 1
	}
	if cfg.MaxDelay < cfg.Initial {
		cfg.MaxDelay = cfg.Initial
	}
	return &Backoff{cfg: cfg}
}

// NextDelay returns min(initial * factor^attempt, max) and advances the attempt.
func (b *Backoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.cfg.Initial) * math.Pow(b.cfg.Factor, float64(b.attempt))
	b.attempt++

	if d >= float64(b.cfg.MaxDelay) || math.IsInf(d, 0) {
		return b.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Reset zeroes the attempt counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
