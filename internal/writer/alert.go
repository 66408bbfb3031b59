package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/buffer"
	"github.com/rickgao/collabd/internal/model"
)

// AlertSchema creates the alert_history table when it is missing.
const AlertSchema = `
	CREATE TABLE IF NOT EXISTS alert_history (
		id         UUID PRIMARY KEY,
		raised_at  TIMESTAMPTZ NOT NULL,
		type       TEXT NOT NULL,
		severity   TEXT NOT NULL,
		message    TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL DEFAULT 0,
		threshold  DOUBLE PRECISION NOT NULL DEFAULT 0,
		worker_id  INTEGER,
		instance   TEXT NOT NULL
	)`

// AlertWriter consumes alerts and writes them to the alert_history table.
type AlertWriter struct {
	cfg      WriterConfig
	instance string
	clock    clock.WithTicker
	logger   *slog.Logger

	// Input from Send
	input *buffer.GrowableBuffer[model.Alert]

	// Database
	db DB

	// Batching
	batch   []alertRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewAlertWriter creates a new AlertWriter. instance tags every row.
func NewAlertWriter(cfg WriterConfig, db DB, instance string, clk clock.WithTicker, logger *slog.Logger) *AlertWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertWriter{
		cfg:      cfg,
		instance: instance,
		clock:    clk,
		db:       db,
		logger:   logger.With("component", "alert_writer"),
		input:    buffer.NewBounded[model.Alert](64, cfg.BufferLimit),
		batch:    make([]alertRow, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the alert_history table.
func (w *AlertWriter) EnsureSchema(ctx context.Context) error {
	if _, err := w.db.Exec(ctx, AlertSchema); err != nil {
		return fmt.Errorf("create alert_history: %w", err)
	}
	return nil
}

// Name implements alert.Channel.
func (w *AlertWriter) Name() string { return "database" }

// Send implements alert.Channel. It only enqueues the alert.
func (w *AlertWriter) Send(_ context.Context, a model.Alert) error {
	if !w.input.Send(a) {
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		return ErrBufferFull
	}
	return nil
}

// Start begins consuming alerts and writing to the database.
func (w *AlertWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("alert writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop closes the input, waits for queued alerts to be batched and writes
// the final batch.
func (w *AlertWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping alert writer")

	w.input.Close()

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("alert writer stop timed out")
		err = ctx.Err()
	}
	if w.cancel != nil {
		w.cancel()
	}

	// Final flush
	if ferr := w.flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	w.logger.Info("alert writer stopped")
	return err
}

// Stats returns current metrics.
func (w *AlertWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves alerts from the input buffer into the batch until the
// buffer is closed and empty.
func (w *AlertWriter) consumeLoop() {
	defer w.wg.Done()

	for {
		a, ok := w.input.Receive()
		if !ok {
			return
		}
		w.handleAlert(a)
	}
}

// flushLoop periodically flushes the batch.
func (w *AlertWriter) flushLoop() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C():
			_ = w.flush(w.ctx)
		}
	}
}

// handleAlert transforms and adds an alert to the batch.
func (w *AlertWriter) handleAlert(a model.Alert) {
	row := w.transform(a)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		_ = w.flush(w.ctx)
	}
}

// transform converts an alert to an alertRow.
func (w *AlertWriter) transform(a model.Alert) alertRow {
	row := alertRow{
		ID:        a.ID.String(),
		RaisedAt:  a.Timestamp.UTC(),
		Type:      string(a.Type),
		Severity:  string(a.Severity),
		Message:   a.Message,
		Value:     a.Value,
		Threshold: a.Threshold,
		Instance:  w.instance,
	}
	if a.WorkerID > 0 {
		id := a.WorkerID
		row.WorkerID = &id
	}
	return row
}

// flush writes the current batch to the database. A failed batch is
// logged, counted and dropped.
func (w *AlertWriter) flush(ctx context.Context) error {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return nil
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]alertRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := w.clock.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return err
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed alerts",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", w.clock.Since(start),
	)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *AlertWriter) batchInsert(ctx context.Context, rows []alertRow) (conflicts int, err error) {
	if w.db == nil {
		return 0, fmt.Errorf("insert %d alerts: no database", len(rows))
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO alert_history (id, raised_at, type, severity, message, value, threshold, worker_id, instance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.RaisedAt, r.Type, r.Severity, r.Message, r.Value, r.Threshold, r.WorkerID, r.Instance)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
