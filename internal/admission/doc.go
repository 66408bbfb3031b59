// Package admission decides whether a new connection may proceed.
//
// It provides three pieces:
//   - RateLimiter: a per-client sliding window of recent admissions.
//   - ConnectionPool: the set of connections owned by one worker, bounded by
//     a capacity and keyed by client id so a client is never held twice.
//   - Controller: the process-wide gate combining a closed flag, a global
//     token bucket, the per-client window and the shared store's health.
//
// Capacity and rate rejections are reported as a Reason, not as errors.
// Transfer moves one connection between two pools while holding both locks
// in ascending owner-id order.
package admission
