// Package worker implements a supervised unit that owns one connection pool.
//
// A Worker moves through the states
//
//	initializing -> running | error
//	running      -> stopping -> stopped
//	running      -> error -> recovering -> running | error
//
// and runs a tick loop that updates its heartbeat, evicts idle connections
// and recomputes its load. Load is a weighted blend of pool fullness, memory
// pressure and error rate, normalized to [0, 1].
//
// MigrateConnections moves connections to a sibling worker one at a time via
// admission.Transfer, so a client is owned by exactly one pool throughout.
package worker
