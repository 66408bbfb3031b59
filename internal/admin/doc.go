// Package admin serves the operator HTTP surface of a collabd instance:
//
//	GET /health          latest health report, 503 when unhealthy
//	GET /metrics         Prometheus exposition
//	GET /api/metrics     aggregated or raw metric points
//	GET /api/alerts      active alerts, or recent history with ?history=N
//	GET /debug/workers   worker snapshots, pool metrics, and loop status
//	GET /version         build information
//
// The admin listener is separate from the WebSocket gateway so it stays
// reachable while the gateway is draining.
package admin
