package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/worker"
)

// Errors returned by the Supervisor.
var (
	ErrNoWorkerStarted = errors.New("no worker started")
	ErrAtMaxWorkers    = errors.New("worker count at maximum")
)

// Config configures a Supervisor.
type Config struct {
	MinWorkers int
	MaxWorkers int
	Worker     worker.Config // template for every worker; ID is assigned

	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	ScaleCooldown      time.Duration
	ScaleCheckInterval time.Duration
	SustainPeriod      time.Duration

	RebalanceInterval time.Duration
	MaxLoadRatio      float64
	MinLoadRatio      float64
	ConnectionBuffer  float64
	MaxRebalanceSteps int

	RecoveryInterval time.Duration
	CleanupInterval  time.Duration
	PresenceTTL      time.Duration
	PresenceTimeout  time.Duration
}

// Defaults for optional Config fields.
const (
	DefaultPresenceTTL     = 24 * time.Hour
	DefaultPresenceTimeout = 500 * time.Millisecond
	DefaultLoopRetryDelay  = 5 * time.Second
)

// AlertRaiser records alerts.
type AlertRaiser interface {
	Raise(ctx context.Context, a model.Alert) (model.Alert, bool)
}

// ScaleAction is the outcome of Scale.
type ScaleAction string

const (
	ScaleNone ScaleAction = "none"
	ScaleUp   ScaleAction = "up"
	ScaleDown ScaleAction = "down"
)

// RebalanceResult summarizes one Rebalance call. Ratios holds the
// max-to-average load ratio before the first step and after each step.
type RebalanceResult struct {
	Steps  int
	Moved  int
	Ratios []float64
}

// RecoverResult summarizes one Recover call.
type RecoverResult struct {
	Attempted int
	Recovered int
	Retired   []int // workers whose recovery attempts ran out
	Spawned   int   // replacements started to restore MinWorkers
}

// Stats are cumulative supervisor counters.
type Stats struct {
	ScaleUps          uint64 `json:"scale_ups"`
	ScaleDowns        uint64 `json:"scale_downs"`
	RebalanceSteps    uint64 `json:"rebalance_steps"`
	RebalanceMoves    uint64 `json:"rebalance_moves"`
	RecoveryAttempts  uint64 `json:"recovery_attempts"`
	RecoverySuccesses uint64 `json:"recovery_successes"`
	WorkersRetired    uint64 `json:"workers_retired"`
}
