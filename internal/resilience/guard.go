package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"k8s.io/utils/clock"
)

// Guard runs calls to one dependency under a circuit breaker, retrying
// transient failures with exponential backoff until the call succeeds, the
// breaker opens, or ctx is done.
type Guard struct {
	breaker *CircuitBreaker
	backoff BackoffConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// NewGuard creates a Guard around breaker.
func NewGuard(breaker *CircuitBreaker, backoff BackoffConfig, clk clock.Clock, logger *slog.Logger) *Guard {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		breaker: breaker,
		backoff: backoff,
		clock:   clk,
		logger:  logger.With("component", "guard", "breaker", breaker.Name()),
	}
}

// Breaker returns the guarded breaker.
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Do calls fn. Errors wrapped with Permanent, and cancellation of ctx, are
// returned as-is without touching the breaker. Any other error is recorded
// as a failure and retried after the next backoff delay. Once the breaker
// refuses a call Do returns an error matching ErrCircuitOpen that also wraps
// the last failure, if any.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := NewBackoff(g.backoff)
	var lastErr error

	for {
		if !g.breaker.CanExecute() {
			if lastErr != nil {
				return fmt.Errorf("%s: %w: %w", op, ErrCircuitOpen, lastErr)
			}
			return fmt.Errorf("%s: %w", op, ErrCircuitOpen)
		}

		err := fn(ctx)
		if err == nil {
			g.breaker.RecordSuccess()
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			g.breaker.RecordSuccess()
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err
		g.breaker.RecordFailure()
		if g.breaker.State() == StateOpen {
			continue
		}

		delay := b.NextDelay()
		g.logger.Debug("retrying call",
			"op", op,
			"attempt", b.Attempt(),
			"backoff", delay,
			"error", err,
		)

		timer := g.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// Available reports whether the breaker would currently admit a call without
// changing its state.
func (g *Guard) Available() bool {
	return g.breaker.State() != StateOpen ||
		g.clock.Since(g.breaker.LastFailure()) > g.breaker.cfg.ResetTimeout
}
