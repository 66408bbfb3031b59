package store

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/collabd/internal/model"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the shared external store.
type Store interface {
	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// AddSample appends a raw sample that expires after ttl.
	AddSample(ctx context.Context, s model.Sample, ttl time.Duration) error

	// Samples returns raw samples of type t with from <= timestamp < to, oldest first.
	Samples(ctx context.Context, t model.MetricType, from, to time.Time) ([]model.Sample, error)

	// SaveAggregate upserts one aggregate bucket that expires after ttl.
	SaveAggregate(ctx context.Context, a model.Aggregate, ttl time.Duration) error

	// SaveAlert records an alert that expires after ttl.
	SaveAlert(ctx context.Context, a model.Alert, ttl time.Duration) error

	// RecentAlerts returns alerts raised at or after since, oldest first.
	RecentAlerts(ctx context.Context, since time.Time) ([]model.Alert, error)

	// SetPresence records which worker owns clientID.
	SetPresence(ctx context.Context, clientID string, workerID int, ttl time.Duration) error

	// ClearPresence removes clientID's presence entry.
	ClearPresence(ctx context.Context, clientID string) error

	// Close releases the store's resources.
	Close() error
}
