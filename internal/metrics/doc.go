// Package metrics collects samples, rolls them up and exports them.
//
// Collector keeps per-type aggregates for every configured interval
// (for example 1m, 5m and 1h), each with its own retention, and writes raw
// samples and aggregates through to the shared store. Exporter publishes
// the same figures to Prometheus.
//
// Key metrics:
//   - System cpu, memory, disk and network
//   - Per-worker state, load, connections and error rate
//   - Admission outcomes by reason
//   - Scaling actions, rebalance moves and dispatched alerts
package metrics
