package resilience

import (
	"errors"
	"time"
)

// Errors
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrPermanent   = errors.New("permanent failure")
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Transition records one breaker state change.
type Transition struct {
	From     State
	To       State
	At       time.Time
	Failures int // failure count at the time of the change
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	HistorySize      int // transitions kept for audit, 0 = DefaultHistorySize
}

// BackoffConfig configures a Backoff.
type BackoffConfig struct {
	Initial  time.Duration
	Factor   float64
	MaxDelay time.Duration
}

// DefaultHistorySize bounds the transition audit log.
const DefaultHistorySize = 64

// Permanent marks err so that a Guard returns it without retrying and
// without counting it against the breaker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrPermanent, err)
}
