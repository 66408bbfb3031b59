package metrics

import (
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/worker"
)

// SamplesFromReport turns a health report into raw samples stamped with the
// report time. Worker figures are averaged over running workers.
func SamplesFromReport(r health.Report) []model.Sample {
	ts := r.Timestamp
	out := []model.Sample{
		{Type: model.MetricCPU, Value: r.System.CPUPercent, Timestamp: ts},
		{Type: model.MetricMemory, Value: r.System.MemoryPercent, Timestamp: ts},
		{Type: model.MetricDisk, Value: r.System.DiskPercent, Timestamp: ts},
		{Type: model.MetricNetworkIn, Value: r.System.NetRecvPerSec, Timestamp: ts},
		{Type: model.MetricNetworkOut, Value: r.System.NetSentPerSec, Timestamp: ts},
		{Type: model.MetricConnections, Value: float64(r.Connections), Timestamp: ts},
	}

	var (
		running         int
		loadSum, errSum float64
		latencySum      float64
		latencyN        int
	)
	for _, w := range r.Workers {
		if w.State != worker.StateRunning {
			continue
		}
		running++
		loadSum += w.Load
		errSum += w.ErrorRate
		if w.Metrics.RequestCount > 0 {
			latencySum += float64(w.Metrics.AverageLatency.Microseconds()) / 1000
			latencyN++
		}
	}

	out = append(out, model.Sample{Type: model.MetricWorkers, Value: float64(running), Timestamp: ts})
	if running > 0 {
		out = append(out,
			model.Sample{Type: model.MetricAverageLoad, Value: loadSum / float64(running), Timestamp: ts},
			model.Sample{Type: model.MetricErrorRate, Value: errSum / float64(running), Timestamp: ts},
		)
	}
	if latencyN > 0 {
		out = append(out, model.Sample{Type: model.MetricLatency, Value: latencySum / float64(latencyN), Timestamp: ts})
	}
	return out
}
