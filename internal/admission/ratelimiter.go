package admission

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// RateLimiter admits at most MaxRequests per key within any window of
// length Window. Only admitted requests occupy the window.
type RateLimiter struct {
	window time.Duration
	max    int
	clock  clock.PassiveClock

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter creates a sliding-window limiter.
func NewRateLimiter(window time.Duration, maxRequests int, clk clock.PassiveClock) *RateLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RateLimiter{
		window: window,
		max:    maxRequests,
		clock:  clk,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records and admits a request for key if fewer than MaxRequests
// admissions remain inside the window.
func (r *RateLimiter) Allow(key string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	recent := r.pruneLocked(key, now)
	if len(recent) >= r.max {
		return false
	}
	r.hits[key] = append(recent, now)
	return true
}

// Remaining returns how many more requests key may make right now.
func (r *RateLimiter) Remaining(key string) int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.max - len(r.pruneLocked(key, now))
	if n < 0 {
		return 0
	}
	return n
}

// Sweep drops keys with no admissions left in the window and returns how
// many were removed.
func (r *RateLimiter) Sweep() int {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key := range r.hits {
		if len(r.pruneLocked(key, now)) == 0 {
			delete(r.hits, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys.
func (r *RateLimiter) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hits)
}

// pruneLocked drops timestamps that fell out of the window. Caller holds r.mu.
func (r *RateLimiter) pruneLocked(key string, now time.Time) []time.Time {
	ts := r.hits[key]
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= r.window {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		r.hits[key] = ts
	}
	return ts
}
