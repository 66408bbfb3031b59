package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// DefaultRetryDelay is used when a Loop leaves RetryDelay unset.
const DefaultRetryDelay = 5 * time.Second

// Loop is one periodic task.
type Loop struct {
	Name           string
	Interval       time.Duration
	RetryDelay     time.Duration // wait after a failed run, before retrying
	RunImmediately bool          // run once at start instead of after the first interval
	Run            func(ctx context.Context) error
}

// Status reports a loop's history.
type Status struct {
	Name      string    `json:"name"`
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Group runs a set of loops until stopped.
type Group struct {
	clock  clock.Clock
	logger *slog.Logger
	loops  []Loop

	mu     sync.Mutex
	status map[string]*Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates an empty Group.
func NewGroup(clk clock.Clock, logger *slog.Logger) *Group {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{
		clock:  clk,
		logger: logger.With("component", "tasks"),
		status: make(map[string]*Status),
	}
}

// Add registers a loop. It must be called before Start.
func (g *Group) Add(l Loop) {
	if l.RetryDelay <= 0 {
		l.RetryDelay = DefaultRetryDelay
	}
	g.loops = append(g.loops, l)

	g.mu.Lock()
	g.status[l.Name] = &Status{Name: l.Name}
	g.mu.Unlock()
}

// Start launches every registered loop.
func (g *Group) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	for _, l := range g.loops {
		if l.Interval <= 0 {
			g.cancel()
			return fmt.Errorf("task %s: interval must be > 0", l.Name)
		}
	}
	for _, l := range g.loops {
		g.wg.Add(1)
		go g.run(ctx, l)
	}

	g.logger.Info("tasks started", "count", len(g.loops))
	return nil
}

// Stop cancels every loop and waits for them to return.
func (g *Group) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("tasks stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns every loop's status, sorted by name.
func (g *Group) Status() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Status, 0, len(g.status))
	for _, s := range g.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (g *Group) run(ctx context.Context, l Loop) {
	defer g.wg.Done()

	wait := l.Interval
	if l.RunImmediately {
		wait = 0
	}

	for {
		if wait > 0 {
			timer := g.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		} else if ctx.Err() != nil {
			return
		}

		err := g.runOnce(ctx, l)
		g.record(l.Name, err)

		wait = l.Interval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("task failed, retrying", "task", l.Name, "retry_in", l.RetryDelay, "error", err)
			wait = l.RetryDelay
		}
	}
}

func (g *Group) runOnce(ctx context.Context, l Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.Run(ctx)
}

func (g *Group) record(name string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := g.status[name]
	s.Runs++
	s.LastRun = g.clock.Now()
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	} else {
		s.LastError = ""
	}
}
