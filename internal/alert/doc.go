// Package alert evaluates metrics against thresholds and dispatches alerts.
//
// Every raised alert is kept in the Manager's history. Dispatch is gated by
// a counter per (type, severity): an alert goes out only when its counter
// reaches the occurrence threshold for its severity, after which the counter
// resets. Critical alerts default to a threshold of one and go out
// immediately.
//
// Notifier fans an alert out to every configured Channel concurrently; a
// failing channel does not block or cancel the others.
package alert
