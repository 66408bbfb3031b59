package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// MetricType names a sampled signal.
type MetricType string

const (
	MetricCPU            MetricType = "cpu"             // percent
	MetricMemory         MetricType = "memory"          // percent
	MetricDisk           MetricType = "disk"            // percent
	MetricNetworkIn      MetricType = "network_in"      // bytes/s
	MetricNetworkOut     MetricType = "network_out"     // bytes/s
	MetricConnections    MetricType = "connections"     // count
	MetricWorkers        MetricType = "workers"         // count
	MetricAverageLoad    MetricType = "average_load"    // 0..1
	MetricErrorRate      MetricType = "error_rate"      // fraction
	MetricLatency        MetricType = "latency"         // ms
	MetricConnectionRate MetricType = "connection_rate" // accepts/s
)

// MetricTypes lists every known metric type.
var MetricTypes = []MetricType{
	MetricCPU, MetricMemory, MetricDisk, MetricNetworkIn, MetricNetworkOut,
	MetricConnections, MetricWorkers, MetricAverageLoad, MetricErrorRate,
	MetricLatency, MetricConnectionRate,
}

// ParseMetricType validates a metric type name.
func ParseMetricType(s string) (MetricType, error) {
	for _, t := range MetricTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown metric type %q", s)
}

// Sample is one raw measurement.
type Sample struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
}

// Point is a (value, timestamp) pair returned by metric reads.
type Point struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregate summarizes the samples of one type in one time bucket.
type Aggregate struct {
	Type        MetricType    `json:"type"`
	Interval    time.Duration `json:"interval"`
	BucketStart time.Time     `json:"bucket_start"`
	Min         float64       `json:"min"`
	Max         float64       `json:"max"`
	Sum         float64       `json:"sum"`
	Count       int64         `json:"count"`
}

// NewAggregate starts an empty bucket.
func NewAggregate(t MetricType, interval time.Duration, bucketStart time.Time) Aggregate {
	return Aggregate{
		Type:        t,
		Interval:    interval,
		BucketStart: bucketStart,
		Min:         math.Inf(1),
		Max:         math.Inf(-1),
	}
}

// Add folds v into the bucket.
func (a *Aggregate) Add(v float64) {
	if v < a.Min {
		a.Min = v
	}
	if v > a.Max {
		a.Max = v
	}
	a.Sum += v
	a.Count++
}

// Avg returns the mean, or 0 for an empty bucket.
func (a Aggregate) Avg() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// BucketEnd returns the exclusive end of the bucket.
func (a Aggregate) BucketEnd() time.Time {
	return a.BucketStart.Add(a.Interval)
}

// MarshalJSON adds the derived average and hides the infinities of an empty bucket.
func (a Aggregate) MarshalJSON() ([]byte, error) {
	type wire struct {
		Type        MetricType `json:"type"`
		Interval    string     `json:"interval"`
		BucketStart time.Time  `json:"bucket_start"`
		Min         float64    `json:"min"`
		Max         float64    `json:"max"`
		Avg         float64    `json:"avg"`
		Count       int64      `json:"count"`
	}
	w := wire{
		Type:        a.Type,
		Interval:    a.Interval.String(),
		BucketStart: a.BucketStart,
		Avg:         a.Avg(),
		Count:       a.Count,
	}
	if a.Count > 0 {
		w.Min, w.Max = a.Min, a.Max
	}
	return json.Marshal(w)
}

// BucketStart truncates t to the start of its bucket of width interval.
func BucketStart(t time.Time, interval time.Duration) time.Time {
	return t.Truncate(interval)
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// Severity is an alert level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (info) to 3 (critical); unknown is -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if sev.Rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AlertType names the condition an alert reports.
type AlertType string

const (
	AlertCPU               AlertType = "cpu"
	AlertMemory            AlertType = "memory"
	AlertDisk              AlertType = "disk"
	AlertErrorRate         AlertType = "error_rate"
	AlertLatency           AlertType = "latency"
	AlertScaling           AlertType = "scaling"
	AlertRecoveryExhausted AlertType = "recovery_exhausted"
	AlertWorkerFault       AlertType = "worker_fault"
	AlertStoreUnavailable  AlertType = "store_unavailable"
)

// Alert is one raised condition.
type Alert struct {
	ID        uuid.UUID `json:"id"`
	Type      AlertType `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
	WorkerID  int       `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// -----------------------------------------------------------------------------
// Business records
// -----------------------------------------------------------------------------

// Record is a business entity looked up by id (universe, scene, object...).
// The schema belongs to the business service; only the envelope is typed.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	OwnerID   string          `json:"owner_id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}
