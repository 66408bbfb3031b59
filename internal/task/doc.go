// Package task runs named periodic loops.
//
// A loop that returns an error or panics is logged and retried after its
// RetryDelay; it never takes the process down. All waits go through an
// injected clock so tests can step virtual time.
package task
