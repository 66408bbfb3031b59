package supervisor

import (
	"context"
	"fmt"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/worker"
)

// Recover attempts recovery of every worker in the error state whose
// cooldown has elapsed. A worker with no attempts left raises a critical
// alert and is retired: a replacement is started if the pool would fall
// below MinWorkers, its connections move to running workers, and any that
// could not move are evicted when it stops. Recover does nothing once the
// supervisor has stopped accepting.
func (s *Supervisor) Recover(ctx context.Context) RecoverResult {
	var res RecoverResult
	if !s.accepting.Load() {
		return res
	}
	for _, w := range s.Workers() {
		if ctx.Err() != nil {
			return res
		}
		if w.State() != worker.StateError {
			continue
		}

		if w.RecoveryExhausted() {
			res.Spawned += s.retire(ctx, w)
			res.Retired = append(res.Retired, w.ID())
			continue
		}
		if !w.CanRecover() {
			continue
		}

		res.Attempted++
		s.recoveryAttempts.Add(1)
		if err := w.AttemptRecovery(ctx); err != nil {
			s.logger.Warn("recovery attempt failed", "worker_id", w.ID(), "error", err)
			s.raise(ctx, model.Alert{
				Type:     model.AlertWorkerFault,
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("worker %d recovery failed: %v", w.ID(), err),
				WorkerID: w.ID(),
			})
			continue
		}
		res.Recovered++
		s.recoverySuccesses.Add(1)
	}

	res.Spawned += s.ensureMin(ctx, nil)
	return res
}

// retire replaces w, drains it, and stops it. It returns how many workers
// it started.
func (s *Supervisor) retire(ctx context.Context, w *worker.Worker) int {
	snap := w.Snapshot()
	s.raise(ctx, model.Alert{
		Type:      model.AlertRecoveryExhausted,
		Severity:  model.SeverityCritical,
		Message:   fmt.Sprintf("worker %d exhausted %d recovery attempts: %s", w.ID(), snap.RecoveryAttempts, snap.LastError),
		Value:     float64(snap.RecoveryAttempts),
		Threshold: float64(s.cfg.Worker.MaxRecoveryAttempts),
		WorkerID:  w.ID(),
	})

	spawned := s.ensureMin(ctx, w)
	if left := s.drain(w, s.running()); left > 0 {
		s.logger.Warn("retired worker still held connections, evicting", "worker_id", w.ID(), "evicted", left)
	}
	// Stop evicts whatever could not move.
	if err := w.Stop(ctx); err != nil {
		s.logger.Warn("stopping retired worker failed", "worker_id", w.ID(), "error", err)
	}
	s.removeWorker(w)
	s.workersRetired.Add(1)
	s.logger.Error("worker retired", "worker_id", w.ID(), "recovery_attempts", snap.RecoveryAttempts)
	return spawned
}

// ensureMin starts workers until MinWorkers exist, not counting exclude, and
// returns how many it started. Replacements are not scaling actions and
// ignore the cooldown.
func (s *Supervisor) ensureMin(ctx context.Context, exclude *worker.Worker) int {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()
	if !s.accepting.Load() {
		return 0
	}

	count := func() int {
		n := 0
		for _, w := range s.Workers() {
			if w != exclude {
				n++
			}
		}
		return n
	}
	spawned := 0
	for count() < s.cfg.MinWorkers {
		w := s.addWorker()
		spawned++
		if err := w.Start(ctx); err != nil {
			s.logger.Error("replacement worker failed to start", "worker_id", w.ID(), "error", err)
			break
		}
		s.logger.Info("replacement worker started", "worker_id", w.ID())
	}
	return spawned
}
