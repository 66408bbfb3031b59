package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store"
)

type seriesKey struct {
	typ      model.MetricType
	interval time.Duration
}

// Collector aggregates samples in memory and persists them to a store.
type Collector struct {
	cfg    CollectorConfig
	clock  clock.PassiveClock
	store  store.Store // may be nil
	logger *slog.Logger

	mu     sync.RWMutex
	series map[seriesKey]map[int64]*model.Aggregate // bucket start (unix ns) -> aggregate
	latest map[model.MetricType]model.Sample
}

// NewCollector creates a Collector. st may be nil for memory-only operation.
func NewCollector(cfg CollectorConfig, st store.Store, clk clock.PassiveClock, logger *slog.Logger) *Collector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:    cfg,
		clock:  clk,
		store:  st,
		logger: logger.With("component", "collector"),
		series: make(map[seriesKey]map[int64]*model.Aggregate),
		latest: make(map[model.MetricType]model.Sample),
	}
}

// Record folds samples into every aggregation and writes the raw samples and
// touched buckets to the store. Store failures are logged and returned
// joined; in-memory aggregation always completes.
func (c *Collector) Record(ctx context.Context, samples ...model.Sample) error {
	touched := make([]model.Aggregate, 0, len(samples)*len(c.cfg.Aggregations))
	ttls := make([]time.Duration, 0, cap(touched))

	c.mu.Lock()
	for _, s := range samples {
		if prev, ok := c.latest[s.Type]; !ok || !s.Timestamp.Before(prev.Timestamp) {
			c.latest[s.Type] = s
		}
		for _, agg := range c.cfg.Aggregations {
			key := seriesKey{typ: s.Type, interval: agg.Interval}
			buckets := c.series[key]
			if buckets == nil {
				buckets = make(map[int64]*model.Aggregate)
				c.series[key] = buckets
			}
			start := model.BucketStart(s.Timestamp, agg.Interval)
			b := buckets[start.UnixNano()]
			if b == nil {
				a := model.NewAggregate(s.Type, agg.Interval, start)
				b = &a
				buckets[start.UnixNano()] = b
			}
			b.Add(s.Value)
			touched = append(touched, *b)
			ttls = append(ttls, agg.Retention)
		}
	}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}

	var failures int
	var firstErr error
	for _, s := range samples {
		if err := c.store.AddSample(ctx, s, c.cfg.RetentionPeriod); err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for i, a := range touched {
		if err := c.store.SaveAggregate(ctx, a, ttls[i]); err != nil {
			failures++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failures > 0 {
		c.logger.Warn("metric persistence failed", "failures", failures, "error", firstErr)
		return fmt.Errorf("persist metrics (%d failures): %w", failures, firstErr)
	}
	return nil
}

// Purge drops buckets that ended longer ago than their retention. It
// returns the number of buckets removed.
func (c *Collector) Purge() int {
	now := c.clock.Now()
	retention := make(map[time.Duration]time.Duration, len(c.cfg.Aggregations))
	for _, a := range c.cfg.Aggregations {
		retention[a.Interval] = a.Retention
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, buckets := range c.series {
		cutoff := now.Add(-retention[key.interval])
		for start, b := range buckets {
			if b.BucketEnd().Before(cutoff) {
				delete(buckets, start)
				removed++
			}
		}
		if len(buckets) == 0 {
			delete(c.series, key)
		}
	}
	if removed > 0 {
		c.logger.Debug("purged aggregate buckets", "count", removed)
	}
	return removed
}

// Aggregates returns the buckets of one type and interval whose start lies
// in [start, end], oldest first.
func (c *Collector) Aggregates(t model.MetricType, interval time.Duration, start, end time.Time) ([]model.Aggregate, error) {
	if start.After(end) {
		return nil, ErrInvalidRange
	}
	if !c.hasInterval(interval) {
		return nil, fmt.Errorf("%v: %w", interval, ErrUnknownInterval)
	}

	c.mu.RLock()
	buckets := c.series[seriesKey{typ: t, interval: interval}]
	out := make([]model.Aggregate, 0, len(buckets))
	for _, b := range buckets {
		if !b.BucketStart.Before(start) && !b.BucketStart.After(end) {
			out = append(out, *b)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out, nil
}

// GetMetrics returns (avg, bucket start) points for one type at one bucket
// size, oldest first.
func (c *Collector) GetMetrics(t model.MetricType, start, end time.Time, interval time.Duration) ([]model.Point, error) {
	aggs, err := c.Aggregates(t, interval, start, end)
	if err != nil {
		return nil, err
	}
	out := make([]model.Point, len(aggs))
	for i, a := range aggs {
		out[i] = model.Point{Value: a.Avg(), Timestamp: a.BucketStart}
	}
	return out, nil
}

// RawSamples reads raw samples back from the store.
func (c *Collector) RawSamples(ctx context.Context, t model.MetricType, start, end time.Time) ([]model.Point, error) {
	if start.After(end) {
		return nil, ErrInvalidRange
	}
	if c.store == nil {
		return nil, store.ErrNotFound
	}
	samples, err := c.store.Samples(ctx, t, start, end)
	if err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	out := make([]model.Point, len(samples))
	for i, s := range samples {
		out[i] = model.Point{Value: s.Value, Timestamp: s.Timestamp}
	}
	return out, nil
}

// Latest returns the newest sample of type t.
func (c *Collector) Latest(t model.MetricType) (model.Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[t]
	return s, ok
}

// Intervals returns the configured aggregation intervals.
func (c *Collector) Intervals() []time.Duration {
	out := make([]time.Duration, len(c.cfg.Aggregations))
	for i, a := range c.cfg.Aggregations {
		out[i] = a.Interval
	}
	return out
}

func (c *Collector) hasInterval(interval time.Duration) bool {
	for _, a := range c.cfg.Aggregations {
		if a.Interval == interval {
			return true
		}
	}
	return false
}
