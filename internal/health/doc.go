// Package health samples system, worker and dependency status.
//
// Checker.Check runs at most once per collection interval; calls made before
// the interval has elapsed return the previous report. System figures come
// from gopsutil.
package health
