package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/admission"
)

// Options are a Worker's collaborators. Every field is optional.
type Options struct {
	Clock    clock.WithTicker
	Notifier Notifier
	MemoryMB func() float64 // current memory attributable to the worker
	Hooks    Hooks
	Logger   *slog.Logger
}

// Worker owns one connection pool and a lifecycle state machine.
type Worker struct {
	cfg      Config
	clock    clock.WithTicker
	pool     *admission.ConnectionPool
	notifier Notifier
	memoryMB func() float64
	hooks    Hooks
	logger   *slog.Logger

	mu               sync.Mutex
	state            State
	lastTransition   time.Time
	startedAt        time.Time
	lastHeartbeat    time.Time
	recoveryAttempts int
	lastErr          error

	// load signals, refreshed each tick
	memPressure float64
	errorRate   float64
	load        float64

	requestCount uint64
	errorCount   uint64
	latencyTotal time.Duration
	peakMemoryMB float64
	tickRequests uint64 // since the previous tick
	tickErrors   uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker in the initializing state.
func New(cfg Config, opts Options) *Worker {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.Weights == (LoadWeights{}) {
		cfg.Weights = LoadWeights{Connections: 1}
	}

	return &Worker{
		cfg:            cfg,
		clock:          opts.Clock,
		pool:           admission.NewConnectionPool(cfg.ID, cfg.MaxConnections, opts.Clock),
		notifier:       opts.Notifier,
		memoryMB:       opts.MemoryMB,
		hooks:          opts.Hooks,
		logger:         opts.Logger.With("component", "worker", "worker_id", cfg.ID),
		state:          StateInitializing,
		lastTransition: opts.Clock.Now(),
	}
}

// ID returns the worker id.
func (w *Worker) ID() int {
	return w.cfg.ID
}

// Start runs the start hook and, on success, moves to running and launches
// the tick loop. A failed start leaves the worker in the error state.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateInitializing {
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("start worker %d from %s: %w", w.cfg.ID, st, ErrInvalidTransition)
	}
	w.mu.Unlock()

	if err := w.runStartHook(ctx); err != nil {
		w.fail(StateInitializing, fmt.Errorf("start: %w", err))
		return fmt.Errorf("start worker %d: %w", w.cfg.ID, err)
	}

	w.mu.Lock()
	err := w.transitionLocked(StateRunning)
	if err == nil {
		w.startedAt = w.clock.Now()
		w.lastHeartbeat = w.startedAt
		w.launchLocked()
	}
	w.mu.Unlock()
	if err != nil {
		return err
	}

	w.recomputeSignals()
	w.logger.Info("worker started", "max_connections", w.cfg.MaxConnections)
	return nil
}

// Stop moves the worker to stopped. It is idempotent and safe from any
// state. Connections still in the pool are released and reported to the
// notifier as evicted; migrate them first to keep them.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	switch w.state {
	case StateStopped:
		w.mu.Unlock()
		return nil
	case StateInitializing:
		_ = w.transitionLocked(StateStopped)
		w.mu.Unlock()
		return nil
	case StateStopping:
		w.mu.Unlock()
		return w.wait(ctx)
	}
	_ = w.transitionLocked(StateStopping)
	w.mu.Unlock()

	err := w.halt(ctx)

	dropped := 0
	for _, id := range w.pool.ClientIDs() {
		if !w.pool.Release(id) {
			continue
		}
		dropped++
		if w.notifier != nil {
			w.notifier.Evicted(id, w.cfg.ID)
		}
	}

	w.mu.Lock()
	_ = w.transitionLocked(StateStopped)
	w.load = 0
	w.mu.Unlock()

	w.logger.Info("worker stopped", "dropped_connections", dropped)
	return err
}

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Load returns the most recently computed load.
func (w *Worker) Load() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

// CanRecover reports whether an error-state worker may attempt recovery:
// attempts remain and the cooldown since the last transition has elapsed.
func (w *Worker) CanRecover() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canRecoverLocked() == nil
}

// RecoveryExhausted reports whether no recovery attempts remain.
func (w *Worker) RecoveryExhausted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recoveryAttempts >= w.cfg.MaxRecoveryAttempts
}

func (w *Worker) canRecoverLocked() error {
	if w.recoveryAttempts >= w.cfg.MaxRecoveryAttempts {
		return ErrRecoveryExhausted
	}
	if w.clock.Since(w.lastTransition) < w.cfg.RecoveryCooldown {
		return ErrRecoveryCooldown
	}
	return nil
}

// AttemptRecovery stops the tick loop, pauses, and starts again. The attempt
// counts against MaxRecoveryAttempts whatever the outcome.
func (w *Worker) AttemptRecovery(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateError {
		w.mu.Unlock()
		return ErrNotInError
	}
	if err := w.canRecoverLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	w.recoveryAttempts++
	attempt := w.recoveryAttempts
	_ = w.transitionLocked(StateRecovering)
	w.mu.Unlock()

	w.logger.Info("attempting recovery", "attempt", attempt, "max_attempts", w.cfg.MaxRecoveryAttempts)

	if err := w.halt(ctx); err != nil {
		w.fail(StateRecovering, err)
		return fmt.Errorf("recover worker %d: %w", w.cfg.ID, err)
	}

	if w.cfg.RecoveryPause > 0 {
		timer := w.clock.NewTimer(w.cfg.RecoveryPause)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.fail(StateRecovering, ctx.Err())
			return fmt.Errorf("recover worker %d: %w", w.cfg.ID, ctx.Err())
		case <-timer.C():
		}
	}

	if err := w.runStartHook(ctx); err != nil {
		w.fail(StateRecovering, err)
		return fmt.Errorf("recover worker %d: %w", w.cfg.ID, err)
	}

	w.mu.Lock()
	if w.state != StateRecovering {
		st := w.state
		w.mu.Unlock()
		return fmt.Errorf("recover worker %d: state changed to %s: %w", w.cfg.ID, st, ErrInvalidTransition)
	}
	_ = w.transitionLocked(StateRunning)
	w.lastErr = nil
	w.lastHeartbeat = w.clock.Now()
	w.launchLocked()
	w.mu.Unlock()

	w.recomputeSignals()
	w.logger.Info("worker recovered", "attempt", attempt)
	return nil
}

// Fault records an internal failure and moves a running worker to error.
func (w *Worker) Fault(err error) {
	w.fail(StateRunning, err)
}

// fail moves the worker from `from` to error. It is a no-op if the worker has
// already left `from`.
func (w *Worker) fail(from State, err error) {
	w.mu.Lock()
	if w.state != from {
		w.mu.Unlock()
		return
	}
	_ = w.transitionLocked(StateError)
	w.lastErr = err
	w.mu.Unlock()

	w.logger.Error("worker fault", "error", err)
}

// transitionLocked must be called with w.mu held.
func (w *Worker) transitionLocked(to State) error {
	if !CanTransition(w.state, to) {
		return fmt.Errorf("worker %d %s -> %s: %w", w.cfg.ID, w.state, to, ErrInvalidTransition)
	}
	w.logger.Debug("state transition", "from", w.state.String(), "to", to.String())
	w.state = to
	w.lastTransition = w.clock.Now()
	return nil
}

func (w *Worker) runStartHook(ctx context.Context) (err error) {
	if w.hooks.Start == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start hook panic: %v", r)
		}
	}()
	return w.hooks.Start(ctx, w.cfg.ID)
}

// launchLocked starts the tick loop. It must be called with w.mu held, in
// the same critical section as the move to running. The loop is independent
// of any caller's ctx and ends only through halt.
func (w *Worker) launchLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done

	go w.loop(ctx, done)
}

// halt cancels the tick loop and waits for it to exit or ctx to end.
func (w *Worker) halt(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return w.wait(ctx)
}

func (w *Worker) wait(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("timed out waiting for tick loop")
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := w.clock.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			w.Tick(ctx)
		}
	}
}

// Tick runs one heartbeat: idle eviction, the tick hook, and a load
// recompute. A panic or hook error faults the worker.
func (w *Worker) Tick(ctx context.Context) {
	if w.State() != StateRunning {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.Fault(fmt.Errorf("tick panic: %v", r))
		}
	}()

	w.mu.Lock()
	w.lastHeartbeat = w.clock.Now()
	w.mu.Unlock()

	if w.cfg.InactiveTimeout > 0 {
		for _, id := range w.pool.CleanupInactive(w.cfg.InactiveTimeout) {
			w.logger.Info("evicted inactive connection", "client_id", id)
			if w.notifier != nil {
				w.notifier.Evicted(id, w.cfg.ID)
			}
		}
	}

	if w.hooks.Tick != nil {
		if err := w.hooks.Tick(ctx, w.cfg.ID); err != nil {
			w.Fault(fmt.Errorf("tick: %w", err))
			return
		}
	}

	w.recomputeSignals()
}

// recomputeSignals refreshes memory pressure and error rate, then load.
func (w *Worker) recomputeSignals() {
	var mem float64
	if w.memoryMB != nil {
		mem = w.memoryMB()
	}

	w.mu.Lock()
	if mem > w.peakMemoryMB {
		w.peakMemoryMB = mem
	}
	if w.cfg.MemoryLimitMB > 0 {
		w.memPressure = clamp01(mem / w.cfg.MemoryLimitMB)
	}

	if w.tickRequests > 0 {
		w.errorRate = float64(w.tickErrors) / float64(w.tickRequests)
	} else {
		w.errorRate /= 2
	}
	w.tickRequests, w.tickErrors = 0, 0
	w.mu.Unlock()

	w.RecomputeLoad()
}

// RecomputeLoad recalculates load from the current pool fullness and the
// signals cached at the last tick, and returns it.
func (w *Worker) RecomputeLoad() float64 {
	fullness := w.pool.Fullness()

	w.mu.Lock()
	defer w.mu.Unlock()

	wt := w.cfg.Weights
	sum := wt.Connections + wt.Memory + wt.Errors
	if sum <= 0 {
		w.load = fullness
		return w.load
	}
	w.load = clamp01((wt.Connections*fullness + wt.Memory*w.memPressure + wt.Errors*w.errorRate) / sum)
	return w.load
}

// ConnectionWeight is how much load one connection adds.
func (w *Worker) ConnectionWeight() float64 {
	wt := w.cfg.Weights
	sum := wt.Connections + wt.Memory + wt.Errors
	capacity := w.pool.Capacity()
	if sum <= 0 || capacity <= 0 {
		return 0
	}
	return wt.Connections / sum / float64(capacity)
}

// RecordRequest counts one handled request.
func (w *Worker) RecordRequest(latency time.Duration, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.requestCount++
	w.tickRequests++
	w.latencyTotal += latency
	if err != nil {
		w.errorCount++
		w.tickErrors++
	}
}

// Acquire adds clientID to this worker's pool. Only running workers accept.
func (w *Worker) Acquire(clientID string) admission.Reason {
	if w.State() != StateRunning {
		return admission.ReasonNoWorker
	}
	r := w.pool.Acquire(clientID)
	if r == admission.ReasonNone {
		w.RecomputeLoad()
	}
	return r
}

// Release removes clientID from this worker's pool.
func (w *Worker) Release(clientID string) bool {
	ok := w.pool.Release(clientID)
	if ok {
		w.RecomputeLoad()
	}
	return ok
}

// Touch marks activity for clientID.
func (w *Worker) Touch(clientID string) bool {
	return w.pool.Touch(clientID)
}

// Has reports whether this worker owns clientID.
func (w *Worker) Has(clientID string) bool {
	return w.pool.Has(clientID)
}

// Connections returns the number of owned connections.
func (w *Worker) Connections() int {
	return w.pool.Len()
}

// ClientIDs returns the owned client ids in sorted order.
func (w *Worker) ClientIDs() []string {
	return w.pool.ClientIDs()
}

// SetCapacity changes the pool capacity. Zero stops new admissions.
func (w *Worker) SetCapacity(n int) {
	w.pool.SetCapacity(n)
	w.RecomputeLoad()
}

// PoolMetrics returns the pool counters.
func (w *Worker) PoolMetrics() admission.PoolMetrics {
	return w.pool.Metrics()
}

// MigrateConnections moves every owned connection to target.
func (w *Worker) MigrateConnections(target *Worker) (MigrationResult, error) {
	return w.MigrateN(target, -1)
}

// MigrateN moves up to n connections to target, or all of them when n < 0.
// Each move is atomic; a connection the target refuses stays here. The
// notifier is told about each completed move.
func (w *Worker) MigrateN(target *Worker, n int) (MigrationResult, error) {
	var res MigrationResult
	if target == nil || target == w {
		return res, admission.ErrSamePool
	}
	if target.State() != StateRunning {
		return res, fmt.Errorf("migrate to worker %d: %w", target.ID(), ErrNotRunning)
	}

	for _, id := range w.pool.ClientIDs() {
		if n >= 0 && res.Moved >= n {
			break
		}
		err := admission.Transfer(w.pool, target.pool, id)
		switch {
		case err == nil:
			res.Moved++
			if w.notifier != nil {
				w.notifier.Migrated(id, w.cfg.ID, target.cfg.ID)
			}
		case errors.Is(err, admission.ErrNotOwned):
			// released concurrently
		default:
			res.Failed++
			w.logger.Warn("migration failed", "client_id", id, "target", target.cfg.ID, "error", err)
			if errors.Is(err, admission.ErrTargetFull) {
				w.RecomputeLoad()
				target.RecomputeLoad()
				return res, nil
			}
		}
	}

	w.RecomputeLoad()
	target.RecomputeLoad()
	if res.Moved > 0 {
		w.logger.Info("migrated connections", "target", target.cfg.ID, "moved", res.Moved, "failed", res.Failed)
	}
	return res, nil
}

// Metrics returns the request counters.
func (w *Worker) Metrics() Metrics {
	conns := w.pool.Len()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metricsLocked(conns)
}

func (w *Worker) metricsLocked(conns int) Metrics {
	m := Metrics{
		RequestCount:       w.requestCount,
		ErrorCount:         w.errorCount,
		PeakMemoryMB:       w.peakMemoryMB,
		CurrentConnections: conns,
	}
	if w.requestCount > 0 {
		m.AverageLatency = w.latencyTotal / time.Duration(w.requestCount)
	}
	return m
}

// Snapshot returns a point-in-time view.
func (w *Worker) Snapshot() Snapshot {
	conns := w.pool.Len()
	capacity := w.pool.Capacity()

	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		ID:               w.cfg.ID,
		State:            w.state,
		Load:             w.load,
		ErrorRate:        w.errorRate,
		Connections:      conns,
		Capacity:         capacity,
		Metrics:          w.metricsLocked(conns),
		RecoveryAttempts: w.recoveryAttempts,
		LastHeartbeat:    w.lastHeartbeat,
	}
	if w.state == StateRunning && !w.startedAt.IsZero() {
		s.Uptime = w.clock.Since(w.startedAt).Seconds()
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
