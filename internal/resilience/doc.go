// Package resilience provides the primitives that protect callers of the
// shared external store: an exponential backoff calculator, a circuit breaker
// with an audit history of its transitions, and a Guard that combines both
// around a single call.
//
// All time-dependent behavior reads an injected clock so tests can advance
// virtual time instead of sleeping.
package resilience
