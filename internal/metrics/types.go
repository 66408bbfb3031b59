package metrics

import (
	"errors"
	"time"
)

// Errors
var (
	ErrUnknownInterval = errors.New("no aggregation configured for interval")
	ErrInvalidRange    = errors.New("start must not be after end")
)

// Aggregation is one rollup granularity and how long its buckets live.
type Aggregation struct {
	Interval  time.Duration
	Retention time.Duration
}

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	RetentionPeriod time.Duration // raw sample TTL
	Aggregations    []Aggregation
}
