package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// CircuitBreaker stops calls to a failing dependency for ResetTimeout after
// FailureThreshold failures.
type CircuitBreaker struct {
	cfg    BreakerConfig
	clock  clock.PassiveClock
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	history     []Transition
	onChange    func(Transition)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, clk clock.PassiveClock, logger *slog.Logger) *CircuitBreaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &CircuitBreaker{
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "breaker", "breaker", cfg.Name),
		state:  StateClosed,
	}
}

// OnStateChange registers fn to be called after every transition.
// fn runs without the breaker lock held.
func (cb *CircuitBreaker) OnStateChange(fn func(Transition)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// CanExecute reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed moves to half-open and admits the call.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return true
	}
	if cb.clock.Since(cb.lastFailure) <= cb.cfg.ResetTimeout {
		cb.mu.Unlock()
		return false
	}
	t := cb.transitionLocked(StateHalfOpen)
	fn := cb.onChange
	cb.mu.Unlock()

	cb.notify(fn, t)
	return true
}

// RecordFailure counts a failed call. The breaker opens once the threshold is
// reached, and immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.failures++
	cb.lastFailure = cb.clock.Now()

	var (
		t       Transition
		changed bool
	)
	switch cb.state {
	case StateHalfOpen:
		t, changed = cb.transitionLocked(StateOpen), true
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			t, changed = cb.transitionLocked(StateOpen), true
		}
	}
	fn := cb.onChange
	cb.mu.Unlock()

	if changed {
		cb.notify(fn, t)
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
// A success reported while open belongs to a call admitted before the trip
// and leaves the breaker open.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	if cb.state == StateOpen {
		cb.mu.Unlock()
		return
	}
	cb.failures = 0

	var (
		t       Transition
		changed bool
	)
	if cb.state == StateHalfOpen {
		t, changed = cb.transitionLocked(StateClosed), true
	}
	fn := cb.onChange
	cb.mu.Unlock()

	if changed {
		cb.notify(fn, t)
	}
}

// State returns the current state without evaluating the reset timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the failure count since the last reset.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// LastFailure returns the time of the most recent failure.
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastFailure
}

// History returns a copy of the recorded transitions, oldest first.
func (cb *CircuitBreaker) History() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]Transition, len(cb.history))
	copy(out, cb.history)
	return out
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// transitionLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State) Transition {
	t := Transition{
		From:     cb.state,
		To:       to,
		At:       cb.clock.Now(),
		Failures: cb.failures,
	}
	cb.state = to

	if len(cb.history) >= cb.cfg.HistorySize {
		copy(cb.history, cb.history[1:])
		cb.history = cb.history[:len(cb.history)-1]
	}
	cb.history = append(cb.history, t)
	return t
}

func (cb *CircuitBreaker) notify(fn func(Transition), t Transition) {
	level := slog.LevelInfo
	if t.To == StateOpen {
		level = slog.LevelWarn
	}
	cb.logger.Log(context.Background(), level, "circuit breaker state change",
		"from", t.From.String(),
		"to", t.To.String(),
		"failures", t.Failures,
		"at", t.At,
	)
	if fn != nil {
		fn(t)
	}
}
