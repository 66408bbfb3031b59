package shutdown

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrCleanupPanic = errors.New("cleanup panicked")
)

// Default values.
const (
	DefaultMaxWait        = 30 * time.Second
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultCleanupTimeout = 10 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	MaxWait        time.Duration // drain deadline before forcing on
	PollInterval   time.Duration
	CleanupTimeout time.Duration // per worker stop pass and per cleanup
}

// Target is the set of workers being shut down.
type Target interface {
	StopAccepting()
	TotalConnections() int
	StopAll(ctx context.Context) error
}

// Cleanup releases one resource.
type Cleanup func(ctx context.Context) error

// Report describes a completed shutdown.
type Report struct {
	Drained   bool          `json:"drained"`
	Remaining int           `json:"remaining"` // connections left when workers were stopped
	Waited    time.Duration `json:"waited"`
	StopErr   error         `json:"-"`
	Cleanups  []CleanupResult
}

// CleanupResult is the outcome of one cleanup.
type CleanupResult struct {
	Name string `json:"name"`
	Err  error  `json:"-"`
}

// Err joins every failure in the report.
func (r Report) Err() error {
	errs := []error{r.StopErr}
	for _, c := range r.Cleanups {
		errs = append(errs, c.Err)
	}
	return errors.Join(errs...)
}
