package worker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRunning        = errors.New("worker not running")
	ErrNotInError        = errors.New("worker not in error state")
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	ErrRecoveryCooldown  = errors.New("recovery cooldown not elapsed")
)

// State is a worker lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateInitializing; st <= StateRecovering; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown worker state %q", text)
}

// transitions lists the allowed moves. Error and recovering workers may also
// be stopped so scale-down and shutdown can retire them.
var transitions = map[State][]State{
	StateInitializing: {StateRunning, StateError, StateStopped},
	StateRunning:      {StateStopping, StateError},
	StateStopping:     {StateStopped},
	StateError:        {StateRecovering, StateStopping},
	StateRecovering:   {StateRunning, StateError, StateStopping},
	StateStopped:      nil,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// LoadWeights are the coefficients of the three load signals.
type LoadWeights struct {
	Connections float64
	Memory      float64
	Errors      float64
}

// Config configures a Worker.
type Config struct {
	ID                  int
	MaxConnections      int
	TickInterval        time.Duration
	InactiveTimeout     time.Duration // 0 disables eviction
	MaxRecoveryAttempts int
	RecoveryCooldown    time.Duration
	RecoveryPause       time.Duration
	MemoryLimitMB       float64
	Weights             LoadWeights
}

// Notifier is told when a connection changes owner or is evicted.
type Notifier interface {
	Migrated(clientID string, fromWorker, toWorker int)
	Evicted(clientID string, workerID int)
}

// Hooks let the owner run code at lifecycle points. A Start error fails the
// start; a Tick error is a worker fault.
type Hooks struct {
	Start func(ctx context.Context, workerID int) error
	Tick  func(ctx context.Context, workerID int) error
}

// Metrics are the worker's request counters.
type Metrics struct {
	RequestCount       uint64        `json:"request_count"`
	ErrorCount         uint64        `json:"error_count"`
	AverageLatency     time.Duration `json:"average_latency"`
	PeakMemoryMB       float64       `json:"peak_memory_mb"`
	CurrentConnections int           `json:"current_connections"`
}

// Snapshot is a point-in-time view of a worker.
type Snapshot struct {
	ID               int       `json:"id"`
	State            State     `json:"state"`
	Load             float64   `json:"load"`
	ErrorRate        float64   `json:"error_rate"`
	Uptime           float64   `json:"uptime_seconds"`
	Connections      int       `json:"connections"`
	Capacity         int       `json:"capacity"`
	Metrics          Metrics   `json:"metrics"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	LastError        string    `json:"last_error,omitempty"`
}

// MigrationResult counts the outcome of a migration.
type MigrationResult struct {
	Moved  int
	Failed int
}
