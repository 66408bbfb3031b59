package admission

import (
	"errors"
	"time"
)

// Errors returned by Transfer.
var (
	ErrNotOwned     = errors.New("connection not owned by source pool")
	ErrAlreadyOwned = errors.New("connection already owned by target pool")
	ErrTargetFull   = errors.New("target pool at capacity")
	ErrSamePool     = errors.New("source and target are the same pool")
)

// Reason explains an admission outcome. ReasonNone means accepted.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonPoolFull    Reason = "pool_full"
	ReasonDuplicate   Reason = "duplicate"
	ReasonRateLimited Reason = "rate_limited"
	ReasonThrottled   Reason = "throttled" // global accept rate exceeded
	ReasonClosed      Reason = "closed"
	ReasonStoreDown   Reason = "store_down"
	ReasonNoWorker    Reason = "no_worker"
)

// Decision is the result of an admission check.
type Decision struct {
	Accepted bool
	Reason   Reason
	Degraded bool // accepted while the shared store is unavailable
	WorkerID int  // owning worker, set by the supervisor on acceptance
}

// Connection is one client connection owned by a pool.
type Connection struct {
	ClientID     string    `json:"client_id"`
	WorkerID     int       `json:"worker_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// PoolMetrics is a snapshot of a pool's counters.
type PoolMetrics struct {
	CurrentConnections int    `json:"current_connections"`
	MaxConnections     int    `json:"max_connections"`
	PeakConnections    int    `json:"peak_connections"`
	TotalAccepted      uint64 `json:"total_accepted"`
	TotalRejected      uint64 `json:"total_rejected"`
	TotalReleased      uint64 `json:"total_released"`
	TotalEvicted       uint64 `json:"total_evicted"`
	MigratedIn         uint64 `json:"migrated_in"`
	MigratedOut        uint64 `json:"migrated_out"`
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	RateWindow          time.Duration
	MaxRequests         int
	AcceptRate          float64 // accepts per second across all clients, 0 disables
	AcceptBurst         int
	RejectWhenStoreDown bool
}

// ControllerStats is a snapshot of admission outcomes.
type ControllerStats struct {
	Accepted uint64            `json:"accepted"`
	Degraded uint64            `json:"degraded"`
	Rejected map[Reason]uint64 `json:"rejected"`
}
