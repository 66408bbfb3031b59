package supervisor

import (
	"context"
	"math"

	"github.com/rickgao/collabd/internal/worker"
)

const loadEpsilon = 1e-9

// Rebalance moves connections from the most loaded running workers to the
// least loaded ones. It starts only when the maximum load exceeds the
// average by MaxLoadRatio and continues until every load is within
// [MinLoadRatio, MaxLoadRatio] of the average, no step can lower the
// maximum, or MaxRebalanceSteps is reached. Every executed step lowers the
// max-to-average ratio. Nothing moves once the supervisor has stopped
// accepting.
func (s *Supervisor) Rebalance(ctx context.Context) RebalanceResult {
	s.rebalanceMu.Lock()
	defer s.rebalanceMu.Unlock()

	var res RebalanceResult
	if !s.accepting.Load() {
		return res
	}
	for res.Steps < s.cfg.MaxRebalanceSteps {
		if ctx.Err() != nil {
			break
		}

		running := s.running()
		if len(running) < 2 {
			break
		}
		loads := make(map[*worker.Worker]float64, len(running))
		for _, w := range running {
			loads[w] = w.RecomputeLoad()
		}
		avg, maxLoad, minLoad := loadStats(loads)
		if avg <= 0 {
			break
		}
		ratio := maxLoad / avg

		res.Ratios = append(res.Ratios, ratio)
		if maxLoad <= avg*s.cfg.MaxLoadRatio && (res.Steps == 0 || minLoad >= avg*s.cfg.MinLoadRatio) {
			break
		}

		plan := s.planStep(running, loads, maxLoad)
		if len(plan) == 0 {
			break
		}

		moved := 0
		for _, m := range plan {
			r, err := s.migrate(m.from, m.to, m.n)
			if err != nil {
				s.logger.Warn("rebalance move failed", "from", m.from.ID(), "to", m.to.ID(), "error", err)
				continue
			}
			moved += r.Moved
		}
		if moved == 0 {
			break
		}

		res.Steps++
		res.Moved += moved
		s.rebalanceSteps.Add(1)
		s.rebalanceMoves.Add(uint64(moved))

		// Stop if the moves did not land as planned.
		after := make(map[*worker.Worker]float64, len(running))
		for _, w := range running {
			after[w] = w.RecomputeLoad()
		}
		if a, m, _ := loadStats(after); a <= 0 || m/a >= ratio {
			res.Ratios = append(res.Ratios, m/math.Max(a, loadEpsilon))
			break
		}
	}

	// Ratios ends with the ratio after the last step.
	if res.Steps > 0 && len(res.Ratios) == res.Steps {
		res.Ratios = append(res.Ratios, s.currentRatio())
	}
	if res.Moved > 0 {
		s.logger.Info("rebalanced", "steps", res.Steps, "moved", res.Moved, "ratios", res.Ratios)
	}
	return res
}

type move struct {
	from, to *worker.Worker
	n        int
}

// planStep plans moves out of every worker tied at the maximum load. Each
// source sends to the currently least loaded non-source, moving
// ConnectionBuffer of the load gap but never enough to push the target past
// the source. It returns nil unless the plan lowers the maximum.
func (s *Supervisor) planStep(running []*worker.Worker, loads map[*worker.Worker]float64, maxLoad float64) []move {
	sim := make(map[*worker.Worker]float64, len(loads))
	for w, l := range loads {
		sim[w] = l
	}
	room := make(map[*worker.Worker]int, len(running))
	for _, w := range running {
		snap := w.Snapshot()
		room[w] = snap.Capacity - snap.Connections
	}

	var sources, targets []*worker.Worker
	for _, w := range running {
		if loads[w] >= maxLoad-loadEpsilon {
			sources = append(sources, w)
		} else {
			targets = append(targets, w)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var plan []move
	for _, src := range sources {
		dst := targets[0]
		for _, t := range targets[1:] {
			if sim[t] < sim[dst] || (sim[t] == sim[dst] && t.ID() < dst.ID()) {
				dst = t
			}
		}

		gap := sim[src] - sim[dst]
		ws, wd := src.ConnectionWeight(), dst.ConnectionWeight()
		if gap <= 0 || ws <= 0 {
			continue
		}

		k := int(s.cfg.ConnectionBuffer * gap / ws)
		if k < 1 {
			k = 1
		}
		if limit := int(gap / (ws + wd)); k > limit {
			k = limit
		}
		if k > room[dst] {
			k = room[dst]
		}
		if conns := src.Connections(); k > conns {
			k = conns
		}
		if k < 1 {
			continue
		}

		plan = append(plan, move{from: src, to: dst, n: k})
		sim[src] -= float64(k) * ws
		sim[dst] += float64(k) * wd
		room[dst] -= k
	}

	newMax := 0.0
	for _, l := range sim {
		newMax = math.Max(newMax, l)
	}
	if newMax >= maxLoad-loadEpsilon {
		return nil
	}
	return plan
}

func (s *Supervisor) currentRatio() float64 {
	loads := make(map[*worker.Worker]float64)
	for _, w := range s.running() {
		loads[w] = w.Load()
	}
	avg, maxLoad, _ := loadStats(loads)
	if avg <= 0 {
		return 0
	}
	return maxLoad / avg
}

func loadStats(loads map[*worker.Worker]float64) (avg, maxLoad, minLoad float64) {
	if len(loads) == 0 {
		return 0, 0, 0
	}
	minLoad = math.Inf(1)
	sum := 0.0
	for _, l := range loads {
		sum += l
		maxLoad = math.Max(maxLoad, l)
		minLoad = math.Min(minLoad, l)
	}
	return sum / float64(len(loads)), maxLoad, minLoad
}
