// Package monitor drives the periodic health and metrics pipeline.
//
// Each collection pass takes a health report, turns it into samples,
// records them in the metric collector, evaluates them against alert
// levels, publishes the report to the Prometheus exporter and hands it to
// the supervisor for scaling decisions. Separate loops purge expired
// aggregates and watch the connection accept rate.
package monitor
