// Package store defines the shared external store used for metric samples,
// aggregates, alerts and client presence. Backends: Redis and Memory.
//
// Guarded wraps any Store so that every call runs under a circuit breaker
// with backoff retries; while the breaker is open calls fail fast with an
// error matching resilience.ErrCircuitOpen.
package store
