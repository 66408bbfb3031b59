package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/worker"
)

// Scale adds or removes one worker when load warrants it.
//
// It scales up when average running-worker load, CPU or memory has stayed at
// or above ScaleUpThreshold for SustainPeriod, and down when all three are
// below ScaleDownThreshold and the remaining workers would absorb the load
// without crossing ScaleUpThreshold. Worker count stays within
// [MinWorkers, MaxWorkers] and two actions are never closer than
// ScaleCooldown. Once the supervisor has stopped accepting it never scales.
func (s *Supervisor) Scale(ctx context.Context) (ScaleAction, error) {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()
	if !s.accepting.Load() {
		return ScaleNone, nil
	}

	now := s.clock.Now()
	workers := s.Workers()
	running := s.running()
	avg := averageLoad(running)

	s.mu.Lock()
	sys := s.system
	cpu, mem := sys.CPUPercent/100, sys.MemoryPercent/100

	high := avg >= s.cfg.ScaleUpThreshold || cpu >= s.cfg.ScaleUpThreshold || mem >= s.cfg.ScaleUpThreshold
	if !high {
		s.highSince = time.Time{}
	} else if s.highSince.IsZero() {
		s.highSince = now
	}
	highSince := s.highSince
	coolingDown := !s.lastScale.IsZero() && now.Sub(s.lastScale) < s.cfg.ScaleCooldown
	s.mu.Unlock()

	if coolingDown {
		return ScaleNone, nil
	}

	switch {
	case high && now.Sub(highSince) >= s.cfg.SustainPeriod:
		if len(workers) >= s.cfg.MaxWorkers {
			s.logger.Debug("scale up wanted at max workers", "workers", len(workers), "avg_load", avg)
			return ScaleNone, nil
		}
		return s.scaleUp(ctx, avg, cpu, mem)

	case !high && avg < s.cfg.ScaleDownThreshold &&
		cpu < s.cfg.ScaleDownThreshold && mem < s.cfg.ScaleDownThreshold:
		if len(workers) <= s.cfg.MinWorkers || len(running) < 2 {
			return ScaleNone, nil
		}
		projected := avg * float64(len(running)) / float64(len(running)-1)
		if projected >= s.cfg.ScaleUpThreshold {
			return ScaleNone, nil
		}
		return s.scaleDown(ctx, avg)
	}
	return ScaleNone, nil
}

func (s *Supervisor) scaleUp(ctx context.Context, avg, cpu, mem float64) (ScaleAction, error) {
	w := s.addWorker()
	err := w.Start(ctx)

	n := len(s.Workers())
	s.markScaled()
	s.scaleUps.Add(1)

	s.logger.Info("scaled up", "worker_id", w.ID(), "workers", n, "avg_load", avg, "cpu", cpu, "memory", mem)
	s.raise(ctx, model.Alert{
		Type:      model.AlertScaling,
		Severity:  model.SeverityInfo,
		Message:   fmt.Sprintf("scaled up to %d workers (average load %.2f)", n, avg),
		Value:     float64(n),
		Threshold: s.cfg.ScaleUpThreshold,
		WorkerID:  w.ID(),
	})

	if err != nil {
		return ScaleUp, fmt.Errorf("scale up: %w", err)
	}
	return ScaleUp, nil
}

// scaleDown drains the running worker with the fewest connections and stops
// it. It aborts, leaving the worker in place, if any connection cannot be
// moved.
func (s *Supervisor) scaleDown(ctx context.Context, avg float64) (ScaleAction, error) {
	running := s.running()
	victim := running[0]
	for _, w := range running[1:] {
		if w.Connections() < victim.Connections() ||
			(w.Connections() == victim.Connections() && w.ID() > victim.ID()) {
			victim = w
		}
	}

	victim.SetCapacity(0)
	if left := s.drain(victim, running); left > 0 {
		victim.SetCapacity(s.cfg.Worker.MaxConnections)
		s.logger.Warn("scale down aborted, connections could not be moved", "worker_id", victim.ID(), "remaining", left)
		return ScaleNone, nil
	}

	s.removeWorker(victim)
	if err := victim.Stop(ctx); err != nil {
		s.logger.Warn("stopping drained worker failed", "worker_id", victim.ID(), "error", err)
	}

	n := len(s.Workers())
	s.markScaled()
	s.scaleDowns.Add(1)

	s.logger.Info("scaled down", "worker_id", victim.ID(), "workers", n, "avg_load", avg)
	s.raise(ctx, model.Alert{
		Type:      model.AlertScaling,
		Severity:  model.SeverityInfo,
		Message:   fmt.Sprintf("scaled down to %d workers (average load %.2f)", n, avg),
		Value:     float64(n),
		Threshold: s.cfg.ScaleDownThreshold,
		WorkerID:  victim.ID(),
	})
	return ScaleDown, nil
}

// drain migrates src's connections onto the other candidates, least loaded
// first, and returns how many remain on src.
func (s *Supervisor) drain(src *worker.Worker, candidates []*worker.Worker) int {
	var targets []*worker.Worker
	for _, w := range candidates {
		if w != src && w.State() == worker.StateRunning {
			targets = append(targets, w)
		}
	}
	for _, t := range s.byLoad(targets) {
		if src.Connections() == 0 {
			break
		}
		if _, err := s.migrate(src, t, -1); err != nil {
			s.logger.Warn("drain to worker failed", "from", src.ID(), "to", t.ID(), "error", err)
		}
	}
	return src.Connections()
}

func (s *Supervisor) markScaled() {
	s.mu.Lock()
	s.lastScale = s.clock.Now()
	s.highSince = time.Time{}
	s.mu.Unlock()
}

func (s *Supervisor) raise(ctx context.Context, a model.Alert) {
	if s.alerts != nil {
		s.alerts.Raise(ctx, a)
	}
}

func averageLoad(workers []*worker.Worker) float64 {
	if len(workers) == 0 {
		return 0
	}
	sum := 0.0
	for _, w := range workers {
		sum += w.Load()
	}
	return sum / float64(len(workers))
}
