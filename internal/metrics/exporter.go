package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/resilience"
	"github.com/rickgao/collabd/internal/supervisor"
)

const namespace = "collabd"

// Sources supply cumulative counters read at scrape time. Every field is
// optional.
type Sources struct {
	Admission  func() admission.ControllerStats
	Supervisor func() supervisor.Stats
	Breaker    func() resilience.State
}

// Exporter publishes health reports and counters in Prometheus format on
// its own registry.
type Exporter struct {
	registry *prometheus.Registry

	status       *prometheus.GaugeVec
	system       *prometheus.GaugeVec
	connections  prometheus.Gauge
	workerLoad   *prometheus.GaugeVec
	workerConns  *prometheus.GaugeVec
	workerErrors *prometheus.GaugeVec
	workerState  *prometheus.GaugeVec
	dependencyUp *prometheus.GaugeVec
	alerts       *prometheus.CounterVec
	checkLatency prometheus.Histogram
}

// NewExporter creates an Exporter and registers its collectors, plus the Go
// runtime and process collectors.
func NewExporter(src Sources) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),

		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "1 for the current overall health status.",
		}, []string{"status"}),
		system: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "system_usage",
			Help:      "Host and process resource figures from the latest health check.",
		}, []string{"resource"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connections owned across all workers.",
		}),
		workerLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "load",
			Help:      "Normalized worker load in [0, 1].",
		}, []string{"worker"}),
		workerConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "connections",
			Help:      "Connections owned by the worker.",
		}, []string{"worker"}),
		workerErrors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "error_rate",
			Help:      "Fraction of the worker's recent requests that failed.",
		}, []string{"worker"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state",
			Help:      "1 for the worker's current lifecycle state.",
		}, []string{"worker", "state"}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "1 if the dependency probe succeeded.",
		}, []string{"dependency"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts raised, by type, severity and whether they were dispatched.",
		}, []string{"type", "severity", "dispatched"}),
		checkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_check_duration_seconds",
			Help:      "Duration of health checks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
	}

	e.registry.MustRegister(
		e.status, e.system, e.connections,
		e.workerLoad, e.workerConns, e.workerErrors, e.workerState,
		e.dependencyUp, e.alerts, e.checkLatency,
		&sourceCollector{src: src},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Observe publishes a health report. Per-worker series are replaced so
// removed workers disappear.
func (e *Exporter) Observe(r health.Report, took time.Duration) {
	e.checkLatency.Observe(took.Seconds())

	e.status.Reset()
	e.status.WithLabelValues(r.Status).Set(1)

	s := r.System
	e.system.WithLabelValues("cpu_percent").Set(s.CPUPercent)
	e.system.WithLabelValues("memory_percent").Set(s.MemoryPercent)
	e.system.WithLabelValues("memory_used_mb").Set(s.MemoryUsedMB)
	e.system.WithLabelValues("disk_percent").Set(s.DiskPercent)
	e.system.WithLabelValues("net_sent_per_sec").Set(s.NetSentPerSec)
	e.system.WithLabelValues("net_recv_per_sec").Set(s.NetRecvPerSec)
	e.system.WithLabelValues("process_rss_mb").Set(s.ProcessRSSMB)
	e.system.WithLabelValues("goroutines").Set(float64(s.Goroutines))

	e.connections.Set(float64(r.Connections))

	e.workerLoad.Reset()
	e.workerConns.Reset()
	e.workerErrors.Reset()
	e.workerState.Reset()
	for _, w := range r.Workers {
		id := strconv.Itoa(w.ID)
		e.workerLoad.WithLabelValues(id).Set(w.Load)
		e.workerConns.WithLabelValues(id).Set(float64(w.Connections))
		e.workerErrors.WithLabelValues(id).Set(w.ErrorRate)
		e.workerState.WithLabelValues(id, w.State.String()).Set(1)
	}

	e.dependencyUp.Reset()
	for _, d := range r.Dependencies {
		up := 0.0
		if d.Healthy {
			up = 1
		}
		e.dependencyUp.WithLabelValues(d.Name).Set(up)
	}
}

// ObserveAlert counts a raised alert. It matches the alert manager's
// OnRaise signature.
func (e *Exporter) ObserveAlert(a model.Alert, dispatched bool) {
	e.alerts.WithLabelValues(string(a.Type), string(a.Severity), strconv.FormatBool(dispatched)).Inc()
}

// -----------------------------------------------------------------------------
// Scrape-time counters
// -----------------------------------------------------------------------------

var (
	admittedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "admission", "accepted_total"),
		"Connections admitted.", []string{"degraded"}, nil)
	rejectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "admission", "rejected_total"),
		"Connections refused, by reason.", []string{"reason"}, nil)
	scaleDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "supervisor", "scale_actions_total"),
		"Scaling actions, by direction.", []string{"direction"}, nil)
	rebalanceStepsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "supervisor", "rebalance_steps_total"),
		"Rebalance steps executed.", nil, nil)
	rebalanceMovesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "supervisor", "rebalance_moves_total"),
		"Connections moved by rebalancing.", nil, nil)
	recoveryDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "supervisor", "recoveries_total"),
		"Worker recovery attempts, by outcome.", []string{"outcome"}, nil)
	retiredDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "supervisor", "workers_retired_total"),
		"Workers retired after exhausting recovery.", nil, nil)
	breakerDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "store", "breaker_state"),
		"Store circuit breaker state: 0 closed, 1 half-open, 2 open.", nil, nil)
)

// sourceCollector reads cumulative counters from their owners at scrape
// time instead of mirroring them.
type sourceCollector struct {
	src Sources
}

func (c *sourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- admittedDesc
	ch <- rejectedDesc
	ch <- scaleDesc
	ch <- rebalanceStepsDesc
	ch <- rebalanceMovesDesc
	ch <- recoveryDesc
	ch <- retiredDesc
	ch <- breakerDesc
}

func (c *sourceCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Admission != nil {
		st := c.src.Admission()
		ch <- prometheus.MustNewConstMetric(admittedDesc, prometheus.CounterValue, float64(st.Accepted-st.Degraded), "false")
		ch <- prometheus.MustNewConstMetric(admittedDesc, prometheus.CounterValue, float64(st.Degraded), "true")
		for reason, n := range st.Rejected {
			ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(n), string(reason))
		}
	}

	if c.src.Supervisor != nil {
		st := c.src.Supervisor()
		ch <- prometheus.MustNewConstMetric(scaleDesc, prometheus.CounterValue, float64(st.ScaleUps), "up")
		ch <- prometheus.MustNewConstMetric(scaleDesc, prometheus.CounterValue, float64(st.ScaleDowns), "down")
		ch <- prometheus.MustNewConstMetric(rebalanceStepsDesc, prometheus.CounterValue, float64(st.RebalanceSteps))
		ch <- prometheus.MustNewConstMetric(rebalanceMovesDesc, prometheus.CounterValue, float64(st.RebalanceMoves))
		ch <- prometheus.MustNewConstMetric(recoveryDesc, prometheus.CounterValue, float64(st.RecoverySuccesses), "success")
		ch <- prometheus.MustNewConstMetric(recoveryDesc, prometheus.CounterValue, float64(st.RecoveryAttempts-st.RecoverySuccesses), "failure")
		ch <- prometheus.MustNewConstMetric(retiredDesc, prometheus.CounterValue, float64(st.WorkersRetired))
	}

	if c.src.Breaker != nil {
		ch <- prometheus.MustNewConstMetric(breakerDesc, prometheus.GaugeValue, breakerValue(c.src.Breaker()))
	}
}

func breakerValue(s resilience.State) float64 {
	switch s {
	case resilience.StateHalfOpen:
		return 1
	case resilience.StateOpen:
		return 2
	default:
		return 0
	}
}

