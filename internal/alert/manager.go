package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store"
)

// Manager raises, de-duplicates and records alerts.
type Manager struct {
	cfg        Config
	clock      clock.PassiveClock
	dispatcher Dispatcher
	logger     *slog.Logger

	mu       sync.Mutex
	counters map[counterKey]*counter
	history  []model.Alert
	observer func(a model.Alert, dispatched bool)
}

// NewManager creates a Manager. dispatcher may be nil.
func NewManager(cfg Config, dispatcher Dispatcher, clk clock.PassiveClock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = time.Hour
	}
	return &Manager{
		cfg:        cfg,
		clock:      clk,
		dispatcher: dispatcher,
		logger:     logger.With("component", "alerts"),
		counters:   make(map[counterKey]*counter),
	}
}

// OnRaise registers fn to be called for every raised alert.
func (m *Manager) OnRaise(fn func(a model.Alert, dispatched bool)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Raise records an alert and dispatches it once its (type, severity)
// counter reaches the occurrence threshold. It returns the alert and whether
// it was dispatched.
func (m *Manager) Raise(ctx context.Context, a model.Alert) (model.Alert, bool) {
	now := m.clock.Now()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}

	m.mu.Lock()
	m.appendHistoryLocked(a)

	key := counterKey{typ: a.Type, severity: a.Severity}
	c := m.counters[key]
	if c == nil || now.Sub(c.last) > m.cfg.ActiveWindow {
		c = &counter{}
		m.counters[key] = c
	}
	c.count++
	c.last = now

	dispatch := c.count >= m.threshold(a.Severity)
	if dispatch {
		c.count = 0
	}
	observer := m.observer
	m.mu.Unlock()

	if dispatch && m.dispatcher != nil {
		if err := m.dispatcher.Dispatch(ctx, a); err != nil {
			m.logger.Warn("alert dispatch incomplete", "type", string(a.Type), "severity", string(a.Severity), "error", err)
		}
	}
	if observer != nil {
		observer(a, dispatch)
	}
	return a, dispatch
}

// Evaluate compares samples against the configured levels and raises an
// alert for every breach, critical taking precedence over warning.
func (m *Manager) Evaluate(ctx context.Context, samples []model.Sample) []model.Alert {
	var raised []model.Alert
	for _, s := range samples {
		typ, level, unit, ok := m.levelFor(s.Type)
		if !ok {
			continue
		}

		var (
			sev       model.Severity
			threshold float64
		)
		switch {
		case level.Critical > 0 && s.Value >= level.Critical:
			sev, threshold = model.SeverityCritical, level.Critical
		case level.Warning > 0 && s.Value >= level.Warning:
			sev, threshold = model.SeverityWarning, level.Warning
		default:
			continue
		}

		a, _ := m.Raise(ctx, model.Alert{
			Type:      typ,
			Severity:  sev,
			Message:   fmt.Sprintf("%s at %.2f%s exceeds %s threshold %.2f%s", s.Type, s.Value, unit, sev, threshold, unit),
			Value:     s.Value,
			Threshold: threshold,
			Timestamp: s.Timestamp,
		})
		raised = append(raised, a)
	}
	return raised
}

func (m *Manager) levelFor(t model.MetricType) (model.AlertType, Level, string, bool) {
	switch t {
	case model.MetricCPU:
		return model.AlertCPU, m.cfg.CPU, "%", true
	case model.MetricMemory:
		return model.AlertMemory, m.cfg.Memory, "%", true
	case model.MetricDisk:
		return model.AlertDisk, m.cfg.Disk, "%", true
	case model.MetricErrorRate:
		return model.AlertErrorRate, m.cfg.ErrorRate, "", true
	case model.MetricLatency:
		return model.AlertLatency, m.cfg.LatencyMS, "ms", true
	default:
		return "", Level{}, "", false
	}
}

// threshold is how many occurrences sev needs before dispatch. Critical
// alerts always dispatch on the first.
func (m *Manager) threshold(sev model.Severity) int {
	if sev == model.SeverityCritical {
		return 1
	}
	if n := m.cfg.Occurrences[sev]; n > 0 {
		return n
	}
	return 1
}

// Active returns alerts raised within the active window, oldest first.
func (m *Manager) Active() []model.Alert {
	cutoff := m.clock.Now().Add(-m.cfg.ActiveWindow)

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Alert
	for _, a := range m.history {
		if !a.Timestamp.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// History returns up to limit most recent alerts, oldest first. A limit of
// zero or less returns all of them.
func (m *Manager) History(limit int) []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]model.Alert, len(h))
	copy(out, h)
	return out
}

// Restore seeds the history with alerts from the store raised within the
// active window, so active alerts survive a restart.
func (m *Manager) Restore(ctx context.Context, st store.Store) (int, error) {
	alerts, err := st.RecentAlerts(ctx, m.clock.Now().Add(-m.cfg.ActiveWindow))
	if err != nil {
		return 0, fmt.Errorf("restore alerts: %w", err)
	}

	m.mu.Lock()
	for _, a := range alerts {
		m.appendHistoryLocked(a)
	}
	m.mu.Unlock()
	return len(alerts), nil
}

// appendHistoryLocked must be called with m.mu held.
func (m *Manager) appendHistoryLocked(a model.Alert) {
	if len(m.history) >= m.cfg.HistorySize {
		copy(m.history, m.history[1:])
		m.history = m.history[:len(m.history)-1]
	}
	m.history = append(m.history, a)
}
