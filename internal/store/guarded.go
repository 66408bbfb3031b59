package store

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/resilience"
)

var _ Store = (*Guarded)(nil)

// Guarded runs every call to the wrapped Store through a resilience.Guard.
// ErrNotFound is treated as an answer, not a failure.
type Guarded struct {
	inner Store
	guard *resilience.Guard
}

// NewGuarded wraps inner.
func NewGuarded(inner Store, guard *resilience.Guard) *Guarded {
	return &Guarded{inner: inner, guard: guard}
}

// Available reports whether the breaker currently admits calls.
func (g *Guarded) Available() bool {
	return g.guard.Available()
}

// Guard returns the wrapped guard.
func (g *Guarded) Guard() *resilience.Guard {
	return g.guard
}

func (g *Guarded) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.guard.Do(ctx, op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrNotFound) {
			return resilience.Permanent(err)
		}
		return err
	})
}

// Ping checks connectivity under the guard.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.do(ctx, "ping", g.inner.Ping)
}

// AddSample appends a sample under the guard.
func (g *Guarded) AddSample(ctx context.Context, s model.Sample, ttl time.Duration) error {
	return g.do(ctx, "add sample", func(ctx context.Context) error {
		return g.inner.AddSample(ctx, s, ttl)
	})
}

// Samples reads raw samples under the guard.
func (g *Guarded) Samples(ctx context.Context, t model.MetricType, from, to time.Time) ([]model.Sample, error) {
	var out []model.Sample
	err := g.do(ctx, "samples", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Samples(ctx, t, from, to)
		return err
	})
	return out, err
}

// SaveAggregate writes an aggregate under the guard.
func (g *Guarded) SaveAggregate(ctx context.Context, a model.Aggregate, ttl time.Duration) error {
	return g.do(ctx, "save aggregate", func(ctx context.Context) error {
		return g.inner.SaveAggregate(ctx, a, ttl)
	})
}

// SaveAlert writes an alert under the guard.
func (g *Guarded) SaveAlert(ctx context.Context, a model.Alert, ttl time.Duration) error {
	return g.do(ctx, "save alert", func(ctx context.Context) error {
		return g.inner.SaveAlert(ctx, a, ttl)
	})
}

// RecentAlerts reads alerts under the guard.
func (g *Guarded) RecentAlerts(ctx context.Context, since time.Time) ([]model.Alert, error) {
	var out []model.Alert
	err := g.do(ctx, "recent alerts", func(ctx context.Context) error {
		var err error
		out, err = g.inner.RecentAlerts(ctx, since)
		return err
	})
	return out, err
}

// SetPresence writes presence under the guard.
func (g *Guarded) SetPresence(ctx context.Context, clientID string, workerID int, ttl time.Duration) error {
	return g.do(ctx, "set presence", func(ctx context.Context) error {
		return g.inner.SetPresence(ctx, clientID, workerID, ttl)
	})
}

// ClearPresence removes presence under the guard.
func (g *Guarded) ClearPresence(ctx context.Context, clientID string) error {
	return g.do(ctx, "clear presence", func(ctx context.Context) error {
		return g.inner.ClearPresence(ctx, clientID)
	})
}

// Close closes the wrapped store directly.
func (g *Guarded) Close() error {
	return g.inner.Close()
}
