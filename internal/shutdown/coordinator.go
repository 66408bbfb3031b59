package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"k8s.io/utils/clock"
)

type registration struct {
	name string
	fn   Cleanup
}

// Coordinator performs the shutdown sequence exactly once.
type Coordinator struct {
	cfg    Config
	target Target
	clock  clock.WithTicker
	logger *slog.Logger

	mu       sync.Mutex
	cleanups []registration

	once   sync.Once
	report Report
}

// New creates a Coordinator. Zero durations in cfg take the defaults.
func New(cfg Config, target Target, clk clock.WithTicker, logger *slog.Logger) *Coordinator {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		target: target,
		clock:  clk,
		logger: logger.With("component", "shutdown"),
	}
}

// Register adds a cleanup. Cleanups run in reverse registration order.
func (c *Coordinator) Register(name string, fn Cleanup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, registration{name: name, fn: fn})
}

// Shutdown runs the sequence. Later calls return the first call's report.
// Cancelling ctx cuts the drain wait short; workers are still stopped and
// cleanups still run, each under its own timeout.
func (c *Coordinator) Shutdown(ctx context.Context) Report {
	c.once.Do(func() {
		c.report = c.run(ctx)
	})
	return c.report
}

func (c *Coordinator) run(ctx context.Context) Report {
	start := c.clock.Now()
	c.logger.Info("shutdown started", "max_wait", c.cfg.MaxWait)

	var r Report
	if c.target != nil {
		c.target.StopAccepting()
		r.Drained, r.Remaining = c.drain(ctx)
		r.Waited = c.clock.Since(start)
		if !r.Drained {
			c.logger.Warn("drain incomplete, forcing shutdown",
				"remaining", r.Remaining,
				"waited", r.Waited,
			)
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
		r.StopErr = c.target.StopAll(stopCtx)
		cancel()
		if r.StopErr != nil {
			c.logger.Error("stopping workers failed", "error", r.StopErr)
		}
	}

	r.Cleanups = c.runCleanups()

	c.logger.Info("shutdown complete",
		"drained", r.Drained,
		"took", c.clock.Since(start),
	)
	return r
}

// drain polls until no connections remain, MaxWait passes, or ctx is done.
func (c *Coordinator) drain(ctx context.Context) (bool, int) {
	remaining := c.target.TotalConnections()
	if remaining == 0 {
		return true, 0
	}

	deadline := c.clock.NewTimer(c.cfg.MaxWait)
	defer deadline.Stop()
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, c.target.TotalConnections()
		case <-deadline.C():
			remaining = c.target.TotalConnections()
			return remaining == 0, remaining
		case <-ticker.C():
			remaining = c.target.TotalConnections()
			if remaining == 0 {
				return true, 0
			}
			c.logger.Debug("waiting for connections to drain", "remaining", remaining)
		}
	}
}

func (c *Coordinator) runCleanups() []CleanupResult {
	c.mu.Lock()
	regs := make([]registration, len(c.cleanups))
	copy(regs, c.cleanups)
	c.mu.Unlock()

	results := make([]CleanupResult, 0, len(regs))
	for i := len(regs) - 1; i >= 0; i-- {
		reg := regs[i]
		err := c.runCleanup(reg)
		if err != nil {
			c.logger.Error("cleanup failed", "cleanup", reg.name, "error", err)
		} else {
			c.logger.Debug("cleanup done", "cleanup", reg.name)
		}
		results = append(results, CleanupResult{Name: reg.name, Err: err})
	}
	return results
}

func (c *Coordinator) runCleanup(reg registration) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CleanupTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s: %w: %v", reg.name, ErrCleanupPanic, p)
		}
	}()

	if err := reg.fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", reg.name, err)
	}
	return nil
}
