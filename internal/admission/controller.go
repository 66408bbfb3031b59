package admission

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Controller is the process-wide admission gate.
type Controller struct {
	cfg     ControllerConfig
	clock   clock.PassiveClock
	limiter *RateLimiter
	global  *rate.Limiter // nil when AcceptRate is 0
	storeUp func() bool
	logger  *slog.Logger

	closed atomic.Bool

	mu    sync.Mutex
	stats ControllerStats
}

// NewController creates a Controller. storeUp reports whether the shared
// store is reachable; nil means it always is.
func NewController(cfg ControllerConfig, storeUp func() bool, clk clock.PassiveClock, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if storeUp == nil {
		storeUp = func() bool { return true }
	}

	c := &Controller{
		cfg:     cfg,
		clock:   clk,
		limiter: NewRateLimiter(cfg.RateWindow, cfg.MaxRequests, clk),
		storeUp: storeUp,
		logger:  logger.With("component", "admission"),
		stats:   ControllerStats{Rejected: make(map[Reason]uint64)},
	}
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		c.global = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return c
}

// Admit checks, in order: closed, global accept rate, the client's sliding
// window, and store health.
func (c *Controller) Admit(clientID string) Decision {
	if c.closed.Load() {
		return c.reject(clientID, ReasonClosed)
	}
	if c.global != nil && !c.global.AllowN(c.clock.Now(), 1) {
		return c.reject(clientID, ReasonThrottled)
	}
	if !c.limiter.Allow(clientID) {
		return c.reject(clientID, ReasonRateLimited)
	}

	d := Decision{Accepted: true}
	if !c.storeUp() {
		if c.cfg.RejectWhenStoreDown {
			return c.reject(clientID, ReasonStoreDown)
		}
		d.Degraded = true
	}

	c.mu.Lock()
	c.stats.Accepted++
	if d.Degraded {
		c.stats.Degraded++
	}
	c.mu.Unlock()
	return d
}

// Reject counts a rejection decided outside the controller, for example a
// full pool, so Stats covers every refused connection.
func (c *Controller) Reject(clientID string, reason Reason) Decision {
	return c.reject(clientID, reason)
}

func (c *Controller) reject(clientID string, reason Reason) Decision {
	c.mu.Lock()
	c.stats.Rejected[reason]++
	c.mu.Unlock()

	c.logger.Debug("connection rejected", "client_id", clientID, "reason", string(reason))
	return Decision{Reason: reason}
}

// Close makes every later Admit return ReasonClosed.
func (c *Controller) Close() {
	if !c.closed.Swap(true) {
		c.logger.Info("admission closed")
	}
}

// Closed reports whether Close was called.
func (c *Controller) Closed() bool {
	return c.closed.Load()
}

// Sweep drops idle rate-limiter keys.
func (c *Controller) Sweep() int {
	return c.limiter.Sweep()
}

// Stats returns a snapshot of admission outcomes.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := ControllerStats{
		Accepted: c.stats.Accepted,
		Degraded: c.stats.Degraded,
		Rejected: make(map[Reason]uint64, len(c.stats.Rejected)),
	}
	for k, v := range c.stats.Rejected {
		out.Rejected[k] = v
	}
	return out
}
