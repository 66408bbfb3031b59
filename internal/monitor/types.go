package monitor

import (
	"time"

	"github.com/rickgao/collabd/internal/health"
)

// Default values.
const (
	DefaultCollectionInterval = 30 * time.Second
	DefaultPurgeInterval      = time.Minute
	DefaultRateInterval       = 10 * time.Second
	DefaultRetryDelay         = 5 * time.Second
	DefaultAlertTimeout       = 5 * time.Second
)

// Config configures a Monitor.
type Config struct {
	CollectionInterval time.Duration
	PurgeInterval      time.Duration
	RateInterval       time.Duration // connection-rate watch period
	RetryDelay         time.Duration
}

// Observer receives every fresh health report.
type Observer interface {
	Observe(r health.Report)
}

// Stats counts pipeline passes.
type Stats struct {
	Collections   uint64 `json:"collections"`
	Skipped       uint64 `json:"skipped"` // checks answered from the previous report
	PersistErrors uint64 `json:"persist_errors"`
	Purged        uint64 `json:"purged"`
}
