package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store"
)

// DefaultSendTimeout bounds one channel's Send.
const DefaultSendTimeout = 5 * time.Second

// Notifier delivers an alert to every channel concurrently.
type Notifier struct {
	channels []Channel
	timeout  time.Duration
	logger   *slog.Logger
}

// NewNotifier creates a Notifier. A timeout of zero uses DefaultSendTimeout.
func NewNotifier(channels []Channel, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		channels: channels,
		timeout:  timeout,
		logger:   logger.With("component", "notifier"),
	}
}

// Channels returns the configured channel names.
func (n *Notifier) Channels() []string {
	names := make([]string, len(n.channels))
	for i, ch := range n.channels {
		names[i] = ch.Name()
	}
	return names
}

// Dispatch sends a to every channel. Each channel gets its own timeout and a
// failure in one does not cancel the others; all failures are joined.
func (n *Notifier) Dispatch(ctx context.Context, a model.Alert) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, ch := range n.channels {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, n.timeout)
			defer cancel()

			if err := ch.Send(sendCtx, a); err != nil {
				n.logger.Warn("channel send failed", "channel", ch.Name(), "alert_id", a.ID, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// Channels
// -----------------------------------------------------------------------------

// LogChannel writes alerts to a logger at a level matching their severity.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With("component", "alert")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, a model.Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case model.SeverityWarning:
		level = slog.LevelWarn
	case model.SeverityError, model.SeverityCritical:
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, a.Message,
		"alert_id", a.ID,
		"type", string(a.Type),
		"severity", string(a.Severity),
		"value", a.Value,
		"threshold", a.Threshold,
		"worker_id", a.WorkerID,
	)
	return nil
}

// StoreChannel records alerts in the shared store.
type StoreChannel struct {
	store store.Store
	ttl   time.Duration
}

// NewStoreChannel creates a StoreChannel whose entries expire after ttl.
func NewStoreChannel(st store.Store, ttl time.Duration) *StoreChannel {
	return &StoreChannel{store: st, ttl: ttl}
}

func (c *StoreChannel) Name() string { return "store" }

func (c *StoreChannel) Send(ctx context.Context, a model.Alert) error {
	return c.store.SaveAlert(ctx, a, c.ttl)
}
