package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/buffer"
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/store"
	"github.com/rickgao/collabd/internal/task"
	"github.com/rickgao/collabd/internal/worker"
)

// Options are the Supervisor's collaborators. Every field is optional.
type Options struct {
	Clock     clock.WithTicker
	Admission *admission.Controller
	Alerts    AlertRaiser
	Notifier  worker.Notifier // told about migrations and evictions
	Presence  store.Store     // records which worker owns each client
	Hooks     worker.Hooks
	Logger    *slog.Logger
}

// Supervisor owns the workers.
type Supervisor struct {
	cfg       Config
	clock     clock.WithTicker
	admission *admission.Controller
	alerts    AlertRaiser
	notifier  worker.Notifier
	presence  store.Store
	hooks     worker.Hooks
	base      *slog.Logger
	logger    *slog.Logger

	mu        sync.RWMutex
	workers   []*worker.Worker // sorted by id
	nextID    int
	system    health.SystemStats
	lastScale time.Time
	highSince time.Time

	// ownership is held exclusively by Connect across the duplicate check
	// and acquire, and shared by migrations, so a client in transit is
	// never missed by the duplicate check.
	ownership   sync.RWMutex
	scaleMu     sync.Mutex
	rebalanceMu sync.Mutex
	accepting   atomic.Bool

	presenceQ    *buffer.GrowableBuffer[presenceOp]
	presenceDone chan struct{}

	scaleUps          atomic.Uint64
	scaleDowns        atomic.Uint64
	rebalanceSteps    atomic.Uint64
	rebalanceMoves    atomic.Uint64
	recoveryAttempts  atomic.Uint64
	recoverySuccesses atomic.Uint64
	workersRetired    atomic.Uint64
}

// New creates a Supervisor with no workers. Call Start to spawn MinWorkers.
func New(cfg Config, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = DefaultPresenceTimeout
	}
	if cfg.MaxRebalanceSteps <= 0 {
		cfg.MaxRebalanceSteps = 1
	}

	s := &Supervisor{
		cfg:       cfg,
		clock:     opts.Clock,
		admission: opts.Admission,
		alerts:    opts.Alerts,
		notifier:  opts.Notifier,
		presence:  opts.Presence,
		hooks:     opts.Hooks,
		base:      opts.Logger,
		logger:    opts.Logger.With("component", "supervisor"),
		nextID:    1,
	}
	s.accepting.Store(true)
	if s.presence != nil {
		s.presenceQ = buffer.NewBounded[presenceOp](64, presenceQueueLimit)
	}
	return s
}

// Start spawns MinWorkers workers concurrently. A worker whose start fails
// stays in the pool in the error state for Recover to handle; Start fails
// only if none of them started.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.presenceQ != nil && s.presenceDone == nil {
		s.presenceDone = make(chan struct{})
		go s.applyPresence()
	}

	workers := make([]*worker.Worker, 0, s.cfg.MinWorkers)
	for i := 0; i < s.cfg.MinWorkers; i++ {
		workers = append(workers, s.addWorker())
	}

	var (
		g       errgroup.Group
		started atomic.Int32
	)
	for _, w := range workers {
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				s.logger.Error("worker failed to start", "worker_id", w.ID(), "error", err)
				return nil
			}
			started.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if started.Load() == 0 && len(workers) > 0 {
		return fmt.Errorf("start supervisor: %w", ErrNoWorkerStarted)
	}
	s.logger.Info("supervisor started", "workers", len(workers), "running", started.Load())
	return nil
}

// addWorker constructs a worker with the next id and appends it.
func (s *Supervisor) addWorker() *worker.Worker {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	cfg := s.cfg.Worker
	cfg.ID = id
	w := worker.New(cfg, worker.Options{
		Clock:    s.clock,
		Notifier: presenceNotifier{s: s},
		MemoryMB: s.memoryShare(id),
		Hooks:    s.hooks,
		Logger:   s.base,
	})

	s.mu.Lock()
	s.workers = append(s.workers, w)
	sort.Slice(s.workers, func(i, j int) bool { return s.workers[i].ID() < s.workers[j].ID() })
	s.mu.Unlock()
	return w
}

// removeWorker drops w from the list. It reports whether w was present.
func (s *Supervisor) removeWorker(w *worker.Worker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, x := range s.workers {
		if x == w {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			return true
		}
	}
	return false
}

// memoryShare attributes process memory to worker id in proportion to its
// connections, splitting evenly when there are none.
func (s *Supervisor) memoryShare(id int) func() float64 {
	return func() float64 {
		s.mu.RLock()
		rss := s.system.ProcessRSSMB
		workers := make([]*worker.Worker, len(s.workers))
		copy(workers, s.workers)
		s.mu.RUnlock()

		if rss <= 0 || len(workers) == 0 {
			return 0
		}
		total, own := 0, 0
		for _, w := range workers {
			n := w.Connections()
			total += n
			if w.ID() == id {
				own = n
			}
		}
		if total == 0 {
			return rss / float64(len(workers))
		}
		return rss * float64(own) / float64(total)
	}
}

// Observe records the latest health report for scaling decisions.
func (s *Supervisor) Observe(r health.Report) {
	s.mu.Lock()
	s.system = r.System
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Connection lifecycle
// -----------------------------------------------------------------------------

// Connect admits clientID onto the least loaded running worker. A refused
// connection is a Decision with a Reason, never an error.
func (s *Supervisor) Connect(clientID string) admission.Decision {
	if !s.accepting.Load() {
		return s.reject(clientID, admission.ReasonClosed)
	}
	d := admission.Decision{Accepted: true}
	if s.admission != nil {
		d = s.admission.Admit(clientID)
		if !d.Accepted {
			return d
		}
	}

	s.ownership.Lock()
	if s.ownerOf(clientID) != nil {
		s.ownership.Unlock()
		return s.reject(clientID, admission.ReasonDuplicate)
	}

	reason := admission.ReasonNoWorker
	var owner *worker.Worker
	for _, w := range s.byLoad(s.running()) {
		r := w.Acquire(clientID)
		if r == admission.ReasonNone {
			owner = w
			break
		}
		reason = r
	}
	s.ownership.Unlock()

	if owner == nil {
		return s.reject(clientID, reason)
	}

	d.WorkerID = owner.ID()
	s.setPresence(clientID, owner.ID())
	s.logger.Debug("connection accepted", "client_id", clientID, "worker_id", owner.ID(), "degraded", d.Degraded)
	return d
}

// OnConnect reports whether clientID was admitted.
func (s *Supervisor) OnConnect(clientID string) bool {
	return s.Connect(clientID).Accepted
}

// OnDisconnect releases clientID from whichever worker owns it. The scan
// holds the ownership lock so a migration cannot move the client past it.
func (s *Supervisor) OnDisconnect(clientID string) {
	s.ownership.Lock()
	defer s.ownership.Unlock()
	for _, w := range s.Workers() {
		if w.Release(clientID) {
			s.clearPresence(clientID)
			return
		}
	}
}

// Touch marks activity for clientID. It reports whether any worker owns it.
func (s *Supervisor) Touch(clientID string) bool {
	for _, w := range s.Workers() {
		if w.Touch(clientID) {
			return true
		}
	}
	return false
}

// Owner returns the id of the worker that owns clientID.
func (s *Supervisor) Owner(clientID string) (int, bool) {
	if w := s.ownerOf(clientID); w != nil {
		return w.ID(), true
	}
	return 0, false
}

// RecordRequest counts a request handled for clientID on its owner.
func (s *Supervisor) RecordRequest(clientID string, latency time.Duration, err error) {
	if w := s.ownerOf(clientID); w != nil {
		w.RecordRequest(latency, err)
	}
}

// ownerOf finds the worker that owns clientID.
func (s *Supervisor) ownerOf(clientID string) *worker.Worker {
	for _, w := range s.Workers() {
		if w.Has(clientID) {
			return w
		}
	}
	return nil
}

func (s *Supervisor) reject(clientID string, reason admission.Reason) admission.Decision {
	if s.admission != nil {
		return s.admission.Reject(clientID, reason)
	}
	return admission.Decision{Reason: reason}
}

// StopAccepting refuses every new connection and sets each worker's
// capacity to zero. It waits for an in-flight scaling action, after which
// no worker is added.
func (s *Supervisor) StopAccepting() {
	s.accepting.Store(false)
	if s.admission != nil {
		s.admission.Close()
	}
	s.scaleMu.Lock()
	for _, w := range s.Workers() {
		w.SetCapacity(0)
	}
	s.scaleMu.Unlock()
	s.logger.Info("stopped accepting connections")
}

// Accepting reports whether new connections are admitted.
func (s *Supervisor) Accepting() bool {
	return s.accepting.Load()
}

// StopAll stops every worker, then flushes pending presence updates.
// Failures are logged and joined; every worker is attempted.
func (s *Supervisor) StopAll(ctx context.Context) error {
	var errs []error
	for _, w := range s.Workers() {
		if err := w.Stop(ctx); err != nil {
			s.logger.Warn("worker stop failed", "worker_id", w.ID(), "error", err)
			errs = append(errs, fmt.Errorf("worker %d: %w", w.ID(), err))
		}
	}

	if s.presenceQ != nil {
		s.presenceQ.Close()
		if s.presenceDone != nil {
			select {
			case <-s.presenceDone:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("flush presence: %w", ctx.Err()))
			}
		}
	}
	return errors.Join(errs...)
}

// migrate moves up to n connections from src to dst while holding the
// shared ownership lock.
func (s *Supervisor) migrate(src, dst *worker.Worker, n int) (worker.MigrationResult, error) {
	s.ownership.RLock()
	defer s.ownership.RUnlock()
	return src.MigrateN(dst, n)
}

// -----------------------------------------------------------------------------
// Views
// -----------------------------------------------------------------------------

// Workers returns the workers sorted by id.
func (s *Supervisor) Workers() []*worker.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*worker.Worker, len(s.workers))
	copy(out, s.workers)
	return out
}

// Worker returns the worker with the given id.
func (s *Supervisor) Worker(id int) (*worker.Worker, bool) {
	for _, w := range s.Workers() {
		if w.ID() == id {
			return w, true
		}
	}
	return nil, false
}

// WorkerSnapshots returns a snapshot of every worker.
func (s *Supervisor) WorkerSnapshots() []worker.Snapshot {
	workers := s.Workers()
	out := make([]worker.Snapshot, len(workers))
	for i, w := range workers {
		out[i] = w.Snapshot()
	}
	return out
}

// PoolMetrics returns each worker's pool counters keyed by worker id.
func (s *Supervisor) PoolMetrics() map[int]admission.PoolMetrics {
	workers := s.Workers()
	out := make(map[int]admission.PoolMetrics, len(workers))
	for _, w := range workers {
		out[w.ID()] = w.PoolMetrics()
	}
	return out
}

// TotalConnections counts connections across all workers.
func (s *Supervisor) TotalConnections() int {
	total := 0
	for _, w := range s.Workers() {
		total += w.Connections()
	}
	return total
}

// Stats returns the cumulative counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		ScaleUps:          s.scaleUps.Load(),
		ScaleDowns:        s.scaleDowns.Load(),
		RebalanceSteps:    s.rebalanceSteps.Load(),
		RebalanceMoves:    s.rebalanceMoves.Load(),
		RecoveryAttempts:  s.recoveryAttempts.Load(),
		RecoverySuccesses: s.recoverySuccesses.Load(),
		WorkersRetired:    s.workersRetired.Load(),
	}
}

func (s *Supervisor) running() []*worker.Worker {
	var out []*worker.Worker
	for _, w := range s.Workers() {
		if w.State() == worker.StateRunning {
			out = append(out, w)
		}
	}
	return out
}

// byLoad sorts workers by ascending load, then id.
func (s *Supervisor) byLoad(workers []*worker.Worker) []*worker.Worker {
	loads := make(map[int]float64, len(workers))
	for _, w := range workers {
		loads[w.ID()] = w.Load()
	}
	sort.SliceStable(workers, func(i, j int) bool {
		li, lj := loads[workers[i].ID()], loads[workers[j].ID()]
		if li != lj {
			return li < lj
		}
		return workers[i].ID() < workers[j].ID()
	})
	return workers
}

// -----------------------------------------------------------------------------
// Periodic tasks
// -----------------------------------------------------------------------------

// Loops returns the supervisor's periodic tasks: auto-scale, rebalance,
// recovery, and admission cleanup. Loops with a zero interval are omitted.
func (s *Supervisor) Loops() []task.Loop {
	var loops []task.Loop
	add := func(name string, interval time.Duration, run func(ctx context.Context) error) {
		if interval > 0 {
			loops = append(loops, task.Loop{Name: name, Interval: interval, RetryDelay: DefaultLoopRetryDelay, Run: run})
		}
	}

	add("autoscale", s.cfg.ScaleCheckInterval, func(ctx context.Context) error {
		_, err := s.Scale(ctx)
		return err
	})
	add("rebalance", s.cfg.RebalanceInterval, func(ctx context.Context) error {
		s.Rebalance(ctx)
		return nil
	})
	add("recovery", s.cfg.RecoveryInterval, func(ctx context.Context) error {
		s.Recover(ctx)
		return nil
	})
	if s.admission != nil {
		add("admission-sweep", s.cfg.CleanupInterval, func(ctx context.Context) error {
			if n := s.admission.Sweep(); n > 0 {
				s.logger.Debug("swept idle rate limit keys", "count", n)
			}
			return nil
		})
	}
	return loops
}

// -----------------------------------------------------------------------------
// Presence
// -----------------------------------------------------------------------------

// presenceQueueLimit bounds pending presence writes; beyond it updates are
// dropped and expire with their TTL.
const presenceQueueLimit = 10000

type presenceOp struct {
	clientID string
	workerID int
	clear    bool
}

// availability is implemented by stores that can report a tripped guard.
type availability interface {
	Available() bool
}

func (s *Supervisor) presenceUp() bool {
	if a, ok := s.presence.(availability); ok {
		return a.Available()
	}
	return true
}

func (s *Supervisor) setPresence(clientID string, workerID int) {
	if s.presenceQ != nil {
		s.presenceQ.Send(presenceOp{clientID: clientID, workerID: workerID})
	}
}

func (s *Supervisor) clearPresence(clientID string) {
	if s.presenceQ != nil {
		s.presenceQ.Send(presenceOp{clientID: clientID, clear: true})
	}
}

// applyPresence writes queued presence updates in order until the queue is
// closed and empty.
func (s *Supervisor) applyPresence() {
	defer close(s.presenceDone)

	for {
		op, ok := s.presenceQ.Receive()
		if !ok {
			return
		}
		if !s.presenceUp() {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PresenceTimeout)
		var err error
		if op.clear {
			err = s.presence.ClearPresence(ctx, op.clientID)
		} else {
			err = s.presence.SetPresence(ctx, op.clientID, op.workerID, s.cfg.PresenceTTL)
		}
		cancel()
		if err != nil {
			s.logger.Debug("presence update failed", "client_id", op.clientID, "error", err)
		}
	}
}

// presenceNotifier keeps presence current and forwards to the configured
// notifier.
type presenceNotifier struct {
	s *Supervisor
}

func (n presenceNotifier) Migrated(clientID string, from, to int) {
	n.s.setPresence(clientID, to)
	if n.s.notifier != nil {
		n.s.notifier.Migrated(clientID, from, to)
	}
}

func (n presenceNotifier) Evicted(clientID string, workerID int) {
	n.s.clearPresence(clientID)
	if n.s.notifier != nil {
		n.s.notifier.Evicted(clientID, workerID)
	}
}
