// Package memory implements store.Store in process memory. Safe for
// concurrent access. Intended for tests, development and single-instance
// deployments without Redis.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store"
)

var _ store.Store = (*Store)(nil)

type sampleEntry struct {
	sample    model.Sample
	expiresAt time.Time
}

type aggregateKey struct {
	typ      model.MetricType
	interval time.Duration
	start    int64
}

type aggregateEntry struct {
	agg       model.Aggregate
	expiresAt time.Time
}

type alertEntry struct {
	alert     model.Alert
	expiresAt time.Time
}

type presenceEntry struct {
	workerID  int
	expiresAt time.Time
}

// Store is an in-memory store.Store with TTL expiry.
type Store struct {
	clock clock.PassiveClock

	mu         sync.RWMutex
	samples    map[model.MetricType][]sampleEntry
	aggregates map[aggregateKey]aggregateEntry
	alerts     []alertEntry
	presence   map[string]presenceEntry
	failWith   error
}

// New returns an empty Store. A nil clock uses the real clock.
func New(clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Store{
		clock:      clk,
		samples:    make(map[model.MetricType][]sampleEntry),
		aggregates: make(map[aggregateKey]aggregateEntry),
		presence:   make(map[string]presenceEntry),
	}
}

// FailWith makes every call return err until called again with nil.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func (s *Store) failure() error {
	if s.failWith != nil {
		return fmt.Errorf("collabd/memory: %w", s.failWith)
	}
	return nil
}

// Ping reports the injected failure, if any.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure()
}

// AddSample appends a sample and drops expired ones of the same type.
func (s *Store) AddSample(_ context.Context, sample model.Sample, ttl time.Duration) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}

	entries := s.samples[sample.Type]
	kept := entries[:0]
	for _, e := range entries {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, sampleEntry{sample: sample, expiresAt: now.Add(ttl)})
	s.samples[sample.Type] = kept
	return nil
}

// Samples returns live samples in [from, to), oldest first.
func (s *Store) Samples(_ context.Context, t model.MetricType, from, to time.Time) ([]model.Sample, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(); err != nil {
		return nil, err
	}

	var out []model.Sample
	for _, e := range s.samples[t] {
		if !e.expiresAt.After(now) {
			continue
		}
		ts := e.sample.Timestamp
		if !ts.Before(from) && ts.Before(to) {
			out = append(out, e.sample)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SaveAggregate upserts a bucket.
func (s *Store) SaveAggregate(_ context.Context, a model.Aggregate, ttl time.Duration) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}

	for k, e := range s.aggregates {
		if !e.expiresAt.After(now) {
			delete(s.aggregates, k)
		}
	}
	key := aggregateKey{typ: a.Type, interval: a.Interval, start: a.BucketStart.UnixNano()}
	s.aggregates[key] = aggregateEntry{agg: a, expiresAt: now.Add(ttl)}
	return nil
}

// Aggregate returns one stored bucket, for tests and debugging.
func (s *Store) Aggregate(t model.MetricType, interval time.Duration, bucketStart time.Time) (model.Aggregate, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.aggregates[aggregateKey{typ: t, interval: interval, start: bucketStart.UnixNano()}]
	if !ok || !e.expiresAt.After(now) {
		return model.Aggregate{}, store.ErrNotFound
	}
	return e.agg, nil
}

// SaveAlert records an alert.
func (s *Store) SaveAlert(_ context.Context, a model.Alert, ttl time.Duration) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}

	kept := s.alerts[:0]
	for _, e := range s.alerts {
		if e.expiresAt.After(now) {
			kept = append(kept, e)
		}
	}
	s.alerts = append(kept, alertEntry{alert: a, expiresAt: now.Add(ttl)})
	return nil
}

// RecentAlerts returns live alerts raised at or after since.
func (s *Store) RecentAlerts(_ context.Context, since time.Time) ([]model.Alert, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure(); err != nil {
		return nil, err
	}

	var out []model.Alert
	for _, e := range s.alerts {
		if e.expiresAt.After(now) && !e.alert.Timestamp.Before(since) {
			out = append(out, e.alert)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SetPresence records clientID's owner.
func (s *Store) SetPresence(_ context.Context, clientID string, workerID int, ttl time.Duration) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	s.presence[clientID] = presenceEntry{workerID: workerID, expiresAt: now.Add(ttl)}
	return nil
}

// ClearPresence removes clientID's entry.
func (s *Store) ClearPresence(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	delete(s.presence, clientID)
	return nil
}

// Presence returns the worker recorded for clientID.
func (s *Store) Presence(clientID string) (int, error) {
	now := s.clock.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.presence[clientID]
	if !ok || !e.expiresAt.After(now) {
		return 0, store.ErrNotFound
	}
	return e.workerID, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
