package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/alert"
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/metrics"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/resilience"
	"github.com/rickgao/collabd/internal/task"
)

// Options are a Monitor's collaborators. Checker and Collector are
// required; the rest are optional.
type Options struct {
	Checker   *health.Checker
	Collector *metrics.Collector
	Alerts    *alert.Manager
	Exporter  *metrics.Exporter
	Observers []Observer
	Admission func() admission.ControllerStats
	Clock     clock.PassiveClock
	Logger    *slog.Logger
}

// Monitor runs the collection pipeline.
type Monitor struct {
	cfg       Config
	checker   *health.Checker
	collector *metrics.Collector
	alerts    *alert.Manager
	exporter  *metrics.Exporter
	observers []Observer
	admission func() admission.ControllerStats
	clock     clock.PassiveClock
	logger    *slog.Logger

	rateMu       sync.Mutex
	lastAccepted uint64
	lastRateAt   time.Time

	collections   atomic.Uint64
	skipped       atomic.Uint64
	persistErrors atomic.Uint64
	purged        atomic.Uint64
}

// New creates a Monitor.
func New(cfg Config, opts Options) *Monitor {
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = DefaultCollectionInterval
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = DefaultPurgeInterval
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = DefaultRateInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:       cfg,
		checker:   opts.Checker,
		collector: opts.Collector,
		alerts:    opts.Alerts,
		exporter:  opts.Exporter,
		observers: opts.Observers,
		admission: opts.Admission,
		clock:     clk,
		logger:    logger.With("component", "monitor"),
	}
}

// Collect runs one pipeline pass. A check inside the collection interval
// reuses the previous report and does nothing else. A persistence failure
// is returned after every later stage has still run.
func (m *Monitor) Collect(ctx context.Context) error {
	start := m.clock.Now()
	r, fresh := m.checker.Check(ctx)
	if !fresh {
		m.skipped.Add(1)
		return nil
	}
	took := m.clock.Since(start)
	m.collections.Add(1)

	samples := metrics.SamplesFromReport(r)
	persistErr := m.collector.Record(ctx, samples...)
	if persistErr != nil {
		m.persistErrors.Add(1)
	}

	if m.alerts != nil {
		m.alerts.Evaluate(ctx, samples)
	}
	if m.exporter != nil {
		m.exporter.Observe(r, took)
	}
	for _, o := range m.observers {
		o.Observe(r)
	}

	m.logger.Debug("collection complete",
		"status", r.Status,
		"connections", r.Connections,
		"workers", len(r.Workers),
		"took", took,
	)
	if persistErr != nil {
		return fmt.Errorf("record samples: %w", persistErr)
	}
	return nil
}

// Purge drops aggregate buckets past their retention.
func (m *Monitor) Purge(_ context.Context) error {
	if n := m.collector.Purge(); n > 0 {
		m.purged.Add(uint64(n))
	}
	return nil
}

// WatchRate records the accept rate since the previous call as a
// connection_rate sample. The first call only sets the baseline.
func (m *Monitor) WatchRate(ctx context.Context) error {
	if m.admission == nil {
		return nil
	}
	now := m.clock.Now()
	accepted := m.admission().Accepted

	m.rateMu.Lock()
	prevAt, prev := m.lastRateAt, m.lastAccepted
	m.lastRateAt, m.lastAccepted = now, accepted
	m.rateMu.Unlock()

	if prevAt.IsZero() {
		return nil
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 || accepted < prev {
		return nil
	}

	s := model.Sample{
		Type:      model.MetricConnectionRate,
		Value:     float64(accepted-prev) / elapsed,
		Timestamp: now,
	}
	if err := m.collector.Record(ctx, s); err != nil {
		m.persistErrors.Add(1)
		return fmt.Errorf("record connection rate: %w", err)
	}
	return nil
}

// OnBreakerChange raises a store availability alert for a breaker
// transition. Opening is an error and closing again is info. It matches
// resilience.CircuitBreaker.OnStateChange and returns without waiting for
// notification.
func (m *Monitor) OnBreakerChange(t resilience.Transition) {
	if m.alerts == nil {
		return
	}

	var a model.Alert
	switch t.To {
	case resilience.StateOpen:
		a = model.Alert{
			Type:     model.AlertStoreUnavailable,
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("shared store unavailable after %d failures", t.Failures),
			Value:    float64(t.Failures),
		}
	case resilience.StateClosed:
		a = model.Alert{
			Type:     model.AlertStoreUnavailable,
			Severity: model.SeverityInfo,
			Message:  "shared store available again",
		}
	default:
		return
	}
	a.Timestamp = t.At

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultAlertTimeout)
		defer cancel()
		m.alerts.Raise(ctx, a)
	}()
}

// Loops returns the monitoring loops for a task.Group.
func (m *Monitor) Loops() []task.Loop {
	loops := []task.Loop{
		{
			Name:           "collect",
			Interval:       m.cfg.CollectionInterval,
			RetryDelay:     m.cfg.RetryDelay,
			RunImmediately: true,
			Run:            m.Collect,
		},
		{
			Name:       "purge",
			Interval:   m.cfg.PurgeInterval,
			RetryDelay: m.cfg.RetryDelay,
			Run:        m.Purge,
		},
	}
	if m.admission != nil {
		loops = append(loops, task.Loop{
			Name:           "connection-rate",
			Interval:       m.cfg.RateInterval,
			RetryDelay:     m.cfg.RetryDelay,
			RunImmediately: true,
			Run:            m.WatchRate,
		})
	}
	return loops
}

// Stats returns the pipeline counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Collections:   m.collections.Load(),
		Skipped:       m.skipped.Load(),
		PersistErrors: m.persistErrors.Load(),
		Purged:        m.purged.Load(),
	}
}
