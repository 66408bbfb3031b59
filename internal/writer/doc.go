// Package writer implements batch writers for the business database.
//
// AlertWriter persists dispatched alerts to the alert_history table. It is
// registered as the "database" notification channel: Send only enqueues,
// and a consumer goroutine batches rows and inserts them with pgx.Batch
// when the batch fills or the flush interval passes.
//
// Writes are append-only. Alert ids are unique, so a replayed alert is
// counted as a conflict instead of duplicated.
package writer
