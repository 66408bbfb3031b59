package health

import (
	"context"
	"time"

	"github.com/rickgao/collabd/internal/worker"
)

// Overall status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// SystemStats are host and process figures.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	DiskPercent   float64 `json:"disk_percent"`
	NetBytesSent  uint64  `json:"net_bytes_sent"`
	NetBytesRecv  uint64  `json:"net_bytes_recv"`
	NetSentPerSec float64 `json:"net_sent_per_sec"`
	NetRecvPerSec float64 `json:"net_recv_per_sec"`
	ProcessRSSMB  float64 `json:"process_rss_mb"`
	Goroutines    int     `json:"goroutines"`
}

// SystemSampler reads SystemStats.
type SystemSampler interface {
	Sample(ctx context.Context) (SystemStats, error)
}

// WorkerSource lists worker snapshots.
type WorkerSource interface {
	WorkerSnapshots() []worker.Snapshot
}

// Probe checks one external dependency.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
	// State optionally describes the guard in front of the dependency,
	// e.g. the circuit breaker state.
	State func() string
}

// DependencyStatus is the outcome of one probe.
type DependencyStatus struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	State   string        `json:"state,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// Report is one health check result.
type Report struct {
	Status       string             `json:"status"`
	Timestamp    time.Time          `json:"timestamp"`
	System       SystemStats        `json:"system"`
	SystemError  string             `json:"system_error,omitempty"`
	Workers      []worker.Snapshot  `json:"workers"`
	Dependencies []DependencyStatus `json:"dependencies"`
	Connections  int                `json:"connections"`
}

// CheckerConfig configures a Checker.
type CheckerConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}
