package writer

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Errors
var (
	ErrBufferFull = errors.New("writer buffer full or closed")
)

// WriterConfig contains configuration for batch writers.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration

	// BufferLimit bounds queued rows; Send fails once it is reached.
	BufferLimit int
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		BufferLimit:   10000,
	}
}

// DB is the part of a pgx pool the writers use.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// alertRow represents a row for the alert_history table.
type alertRow struct {
	ID        string
	RaisedAt  time.Time
	Type      string
	Severity  string
	Message   string
	Value     float64
	Threshold float64
	WorkerID  *int // NULL for process-wide alerts
	Instance  string
}

// WriterMetrics holds metrics for a writer.
type WriterMetrics struct {
	Inserts   int64 `json:"inserts"`
	Conflicts int64 `json:"conflicts"`
	Errors    int64 `json:"errors"`
	Flushes   int64 `json:"flushes"`
	Dropped   int64 `json:"dropped"`
}
