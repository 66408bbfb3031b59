package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/supervisor"
	"github.com/rickgao/collabd/internal/task"
	"github.com/rickgao/collabd/internal/worker"
)

// Default values.
const (
	DefaultMetricsWindow = time.Hour
	DefaultHistoryLimit  = 100
	DefaultHealthTimeout = 5 * time.Second
)

// HealthSource produces health reports.
type HealthSource interface {
	Latest() health.Report
	Check(ctx context.Context) (health.Report, bool)
}

// MetricsSource reads collected metrics.
type MetricsSource interface {
	GetMetrics(t model.MetricType, start, end time.Time, interval time.Duration) ([]model.Point, error)
	RawSamples(ctx context.Context, t model.MetricType, start, end time.Time) ([]model.Point, error)
	Intervals() []time.Duration
}

// AlertSource lists alerts.
type AlertSource interface {
	Active() []model.Alert
	History(limit int) []model.Alert
}

// WorkerSource describes the worker fleet.
type WorkerSource interface {
	WorkerSnapshots() []worker.Snapshot
	PoolMetrics() map[int]admission.PoolMetrics
	Stats() supervisor.Stats
}

// TaskSource reports background loop status.
type TaskSource interface {
	Status() []task.Status
}

// RoomSource reports gateway sessions and rooms.
type RoomSource interface {
	Count() int
	Rooms() map[string]int
}

// Sources are the collaborators behind the admin endpoints. A nil source
// disables the endpoints that need it.
type Sources struct {
	Health     HealthSource
	Metrics    MetricsSource
	Alerts     AlertSource
	Workers    WorkerSource
	Tasks      TaskSource
	Rooms      RoomSource
	Admission  func() admission.ControllerStats
	Prometheus http.Handler
}

// metricsResponse is the body of /api/metrics.
type metricsResponse struct {
	Type   model.MetricType `json:"type"`
	Bucket string           `json:"bucket,omitempty"`
	Raw    bool             `json:"raw,omitempty"`
	Start  time.Time        `json:"start"`
	End    time.Time        `json:"end"`
	Points []model.Point    `json:"points"`
}

// debugResponse is the body of /debug/workers.
type debugResponse struct {
	Workers    []worker.Snapshot             `json:"workers"`
	Pools      map[int]admission.PoolMetrics `json:"pools"`
	Supervisor supervisor.Stats              `json:"supervisor"`
	Admission  *admission.ControllerStats    `json:"admission,omitempty"`
	Tasks      []task.Status                 `json:"tasks,omitempty"`
	Sessions   int                           `json:"sessions"`
	Rooms      map[string]int                `json:"rooms,omitempty"`
}
