package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store"
)

var _ store.Store = (*Store)(nil)

// DefaultKeyPrefix namespaces every key.
const DefaultKeyPrefix = "collabd:"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock sets the clock used to trim expired entries.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) { s.clock = c }
}

// Store implements store.Store backed by Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	clock  clock.PassiveClock
	logger *slog.Logger
}

// New creates a Redis-backed store. Close closes client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: DefaultKeyPrefix,
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("collabd/redis: ping: %w", err)
	}
	return nil
}

// AddSample adds a sample to its type's sorted set and trims entries older
// than ttl.
func (s *Store) AddSample(ctx context.Context, sample model.Sample, ttl time.Duration) error {
	key := s.samplesKey(sample.Type)
	score := float64(sample.Timestamp.UnixNano())
	member := strconv.FormatInt(sample.Timestamp.UnixNano(), 10) + ":" +
		strconv.FormatFloat(sample.Value, 'g', -1, 64)
	cutoff := s.clock.Now().Add(-ttl).UnixNano()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("collabd/redis: add sample: %w", err)
	}
	return nil
}

// Samples returns samples in [from, to), oldest first.
func (s *Store) Samples(ctx context.Context, t model.MetricType, from, to time.Time) ([]model.Sample, error) {
	members, err := s.client.ZRangeByScore(ctx, s.samplesKey(t), &goredis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixNano(), 10),
		Max: "(" + strconv.FormatInt(to.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("collabd/redis: samples: %w", err)
	}

	out := make([]model.Sample, 0, len(members))
	for _, m := range members {
		sample, err := parseSampleMember(t, m)
		if err != nil {
			s.logger.Warn("skipping malformed sample", "key", s.samplesKey(t), "member", m, "error", err)
			continue
		}
		out = append(out, sample)
	}
	return out, nil
}

func parseSampleMember(t model.MetricType, m string) (model.Sample, error) {
	for i := 0; i < len(m); i++ {
		if m[i] != ':' {
			continue
		}
		ns, err := strconv.ParseInt(m[:i], 10, 64)
		if err != nil {
			return model.Sample{}, err
		}
		v, err := strconv.ParseFloat(m[i+1:], 64)
		if err != nil {
			return model.Sample{}, err
		}
		return model.Sample{Type: t, Value: v, Timestamp: time.Unix(0, ns).UTC()}, nil
	}
	return model.Sample{}, errors.New("missing separator")
}

// SaveAggregate stores a bucket as JSON with an expiry.
func (s *Store) SaveAggregate(ctx context.Context, a model.Aggregate, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("collabd/redis: marshal aggregate: %w", err)
	}
	if err := s.client.Set(ctx, s.aggregateKey(a.Type, a.Interval, a.BucketStart), data, ttl).Err(); err != nil {
		return fmt.Errorf("collabd/redis: save aggregate: %w", err)
	}
	return nil
}

// SaveAlert adds an alert to the alerts sorted set and trims entries older
// than ttl.
func (s *Store) SaveAlert(ctx context.Context, a model.Alert, ttl time.Duration) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("collabd/redis: marshal alert: %w", err)
	}
	key := s.alertsKey()
	cutoff := s.clock.Now().Add(-ttl).UnixNano()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(a.Timestamp.UnixNano()), Member: data})
	pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("collabd/redis: save alert: %w", err)
	}
	return nil
}

// RecentAlerts returns alerts raised at or after since.
func (s *Store) RecentAlerts(ctx context.Context, since time.Time) ([]model.Alert, error) {
	members, err := s.client.ZRangeByScore(ctx, s.alertsKey(), &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("collabd/redis: recent alerts: %w", err)
	}

	out := make([]model.Alert, 0, len(members))
	for _, m := range members {
		var a model.Alert
		if err := json.Unmarshal([]byte(m), &a); err != nil {
			s.logger.Warn("skipping malformed alert", "error", err)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// SetPresence records clientID's owning worker.
func (s *Store) SetPresence(ctx context.Context, clientID string, workerID int, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.presenceKey(clientID), workerID, ttl).Err(); err != nil {
		return fmt.Errorf("collabd/redis: set presence: %w", err)
	}
	return nil
}

// ClearPresence removes clientID's presence entry.
func (s *Store) ClearPresence(ctx context.Context, clientID string) error {
	if err := s.client.Del(ctx, s.presenceKey(clientID)).Err(); err != nil {
		return fmt.Errorf("collabd/redis: clear presence: %w", err)
	}
	return nil
}

// Presence returns the worker recorded for clientID.
func (s *Store) Presence(ctx context.Context, clientID string) (int, error) {
	n, err := s.client.Get(ctx, s.presenceKey(clientID)).Int()
	if errors.Is(err, goredis.Nil) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("collabd/redis: presence: %w", err)
	}
	return n, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
