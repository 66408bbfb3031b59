package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/worker"
)

// Checker produces health reports at most once per interval.
type Checker struct {
	cfg     CheckerConfig
	clock   clock.PassiveClock
	sampler SystemSampler
	workers WorkerSource
	probes  []Probe
	logger  *slog.Logger

	mu     sync.Mutex
	last   Report
	lastAt time.Time
	runs   int
}

// NewChecker creates a Checker. sampler and workers may be nil.
func NewChecker(cfg CheckerConfig, sampler SystemSampler, workers WorkerSource, probes []Probe, clk clock.PassiveClock, logger *slog.Logger) *Checker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Checker{
		cfg:     cfg,
		clock:   clk,
		sampler: sampler,
		workers: workers,
		probes:  probes,
		logger:  logger.With("component", "health"),
	}
}

// Check runs a health check unless the previous one is younger than the
// interval, in which case it returns the previous report and false.
func (c *Checker) Check(ctx context.Context) (Report, bool) {
	c.mu.Lock()
	if c.runs > 0 && c.clock.Since(c.lastAt) < c.cfg.Interval {
		r := c.last
		c.mu.Unlock()
		return r, false
	}
	// Claim the slot so concurrent callers skip instead of sampling twice.
	c.lastAt = c.clock.Now()
	c.runs++
	c.mu.Unlock()

	r := c.run(ctx)

	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
	return r, true
}

// Latest returns the most recent report without sampling.
func (c *Checker) Latest() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Checker) run(ctx context.Context) Report {
	r := Report{Timestamp: c.clock.Now()}

	if c.sampler != nil {
		st, err := c.sampler.Sample(ctx)
		r.System = st
		if err != nil {
			r.SystemError = err.Error()
			c.logger.Warn("system sample failed", "error", err)
		}
	}

	if c.workers != nil {
		r.Workers = c.workers.WorkerSnapshots()
		for _, w := range r.Workers {
			r.Connections += w.Connections
		}
	}

	r.Dependencies = c.probeAll(ctx)
	r.Status = evaluate(r)
	return r
}

// probeAll runs every probe concurrently with a per-probe timeout.
func (c *Checker) probeAll(ctx context.Context) []DependencyStatus {
	out := make([]DependencyStatus, len(c.probes))
	var g errgroup.Group
	for i, p := range c.probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
			defer cancel()

			start := time.Now()
			err := p.Check(pctx)
			ds := DependencyStatus{
				Name:    p.Name,
				Healthy: err == nil,
				Latency: time.Since(start),
			}
			if err != nil {
				ds.Error = err.Error()
			}
			if p.State != nil {
				ds.State = p.State()
			}
			out[i] = ds
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// evaluate derives the overall status: unhealthy with no running worker,
// degraded with a failing dependency or a faulted worker.
func evaluate(r Report) string {
	running, faulted := 0, 0
	for _, w := range r.Workers {
		switch w.State {
		case worker.StateRunning:
			running++
		case worker.StateError, worker.StateRecovering:
			faulted++
		}
	}
	if len(r.Workers) > 0 && running == 0 {
		return StatusUnhealthy
	}
	if faulted > 0 {
		return StatusDegraded
	}
	for _, d := range r.Dependencies {
		if !d.Healthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
