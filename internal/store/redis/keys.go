package redis

import (
	"fmt"
	"time"

	"github.com/rickgao/collabd/internal/model"
)

// Redis key naming conventions. Every key starts with the store's prefix.

// samplesKey returns the Sorted Set of raw samples: {prefix}samples:{type}
func (s *Store) samplesKey(t model.MetricType) string {
	return s.prefix + "samples:" + string(t)
}

// aggregateKey returns one aggregate bucket: {prefix}agg:{type}:{interval}:{bucket unix}
func (s *Store) aggregateKey(t model.MetricType, interval time.Duration, bucketStart time.Time) string {
	return fmt.Sprintf("%sagg:%s:%s:%d", s.prefix, t, interval, bucketStart.Unix())
}

// alertsKey is the Sorted Set of alerts scored by timestamp.
func (s *Store) alertsKey() string {
	return s.prefix + "alerts"
}

// presenceKey returns a client's presence entry: {prefix}presence:{clientID}
func (s *Store) presenceKey(clientID string) string {
	return s.prefix + "presence:" + clientID
}
