package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store/memory"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (d *recordingDispatcher) Dispatch(_ context.Context, a model.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, a)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.alerts)
}

var testStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(d Dispatcher) (*Manager, *clocktesting.FakeClock) {
	clk := clocktesting.NewFakeClock(testStart)
	m := NewManager(Config{
		CPU:       Level{Warning: 75, Critical: 90},
		ErrorRate: Level{Warning: 0.05, Critical: 0.2},
		Occurrences: map[model.Severity]int{
			model.SeverityInfo:     1,
			model.SeverityWarning:  3,
			model.SeverityCritical: 1,
		},
		ActiveWindow: time.Hour,
	}, d, clk, nil)
	return m, clk
}

func TestManager_WarningDeduplication(t *testing.T) {
	d := &recordingDispatcher{}
	m, _ := newTestManager(d)
	ctx := context.Background()

	sample := []model.Sample{{Type: model.MetricCPU, Value: 80, Timestamp: testStart}}

	for i := 1; i <= 2; i++ {
		raised := m.Evaluate(ctx, sample)
		if len(raised) != 1 || raised[0].Severity != model.SeverityWarning {
			t.Fatalf("Evaluate() #%d = %+v, want one warning", i, raised)
		}
		if d.count() != 0 {
			t.Fatalf("dispatched after %d occurrences, want none before 3", i)
		}
	}

	m.Evaluate(ctx, sample)
	if d.count() != 1 {
		t.Fatalf("dispatched = %d after 3 occurrences, want 1", d.count())
	}

	// The counter resets after dispatch.
	m.Evaluate(ctx, sample)
	m.Evaluate(ctx, sample)
	if d.count() != 1 {
		t.Errorf("dispatched = %d after 5 occurrences, want 1", d.count())
	}

	if got := len(m.History(0)); got != 5 {
		t.Errorf("len(History) = %d, want 5", got)
	}
}

func TestManager_CriticalDispatchesImmediately(t *testing.T) {
	d := &recordingDispatcher{}
	m, _ := newTestManager(d)

	raised := m.Evaluate(context.Background(), []model.Sample{
		{Type: model.MetricCPU, Value: 95, Timestamp: testStart},
	})
	if len(raised) != 1 {
		t.Fatalf("Evaluate() raised %d alerts, want 1", len(raised))
	}
	if raised[0].Severity != model.SeverityCritical {
		t.Errorf("Severity = %v, want critical", raised[0].Severity)
	}
	if raised[0].Threshold != 90 {
		t.Errorf("Threshold = %v, want 90", raised[0].Threshold)
	}
	if d.count() != 1 {
		t.Errorf("dispatched = %d, want 1", d.count())
	}
}

func TestManager_CriticalIgnoresOccurrenceCount(t *testing.T) {
	d := &recordingDispatcher{}
	m := NewManager(Config{
		CPU: Level{Warning: 75, Critical: 90},
		Occurrences: map[model.Severity]int{
			model.SeverityWarning:  3,
			model.SeverityCritical: 4,
		},
		ActiveWindow: time.Hour,
	}, d, clocktesting.NewFakeClock(testStart), nil)

	raised := m.Evaluate(context.Background(), []model.Sample{
		{Type: model.MetricCPU, Value: 95, Timestamp: testStart},
	})
	if len(raised) != 1 {
		t.Fatalf("Evaluate() raised %d alerts, want 1", len(raised))
	}
	if d.count() != 1 {
		t.Errorf("dispatched = %d, want 1 on first critical occurrence", d.count())
	}
}

func TestManager_EvaluateIgnoresUnconfigured(t *testing.T) {
	m, _ := newTestManager(nil)

	raised := m.Evaluate(context.Background(), []model.Sample{
		{Type: model.MetricCPU, Value: 10},
		{Type: model.MetricDisk, Value: 99},
		{Type: model.MetricConnections, Value: 1e6},
		{Type: model.MetricErrorRate, Value: 0.1},
	})
	if len(raised) != 1 {
		t.Fatalf("Evaluate() raised %d alerts, want 1: %+v", len(raised), raised)
	}
	if raised[0].Type != model.AlertErrorRate {
		t.Errorf("Type = %v, want %v", raised[0].Type, model.AlertErrorRate)
	}
}

func TestManager_SeveritiesCountedSeparately(t *testing.T) {
	d := &recordingDispatcher{}
	m, _ := newTestManager(d)
	ctx := context.Background()

	m.Raise(ctx, model.Alert{Type: model.AlertCPU, Severity: model.SeverityWarning})
	m.Raise(ctx, model.Alert{Type: model.AlertCPU, Severity: model.SeverityWarning})
	m.Raise(ctx, model.Alert{Type: model.AlertMemory, Severity: model.SeverityWarning})
	if d.count() != 0 {
		t.Fatalf("dispatched = %d, want 0", d.count())
	}

	_, dispatched := m.Raise(ctx, model.Alert{Type: model.AlertCPU, Severity: model.SeverityWarning})
	if !dispatched {
		t.Error("third cpu warning not dispatched")
	}
}

func TestManager_CounterExpiresAfterWindow(t *testing.T) {
	d := &recordingDispatcher{}
	m, clk := newTestManager(d)
	ctx := context.Background()

	m.Raise(ctx, model.Alert{Type: model.AlertCPU, Severity: model.SeverityWarning})
	m.Raise(ctx, model.Alert{Type: model.AlertCPU, Severity: model.SeverityWarning})

	clk.Step(2 * time.Hour)
	_, dispatched := m.Raise(ctx, model.Alert{Type: model.AlertCPU, Severity: model.SeverityWarning})
	if dispatched {
		t.Error("stale occurrences should not count toward dispatch")
	}
}

func TestManager_Active(t *testing.T) {
	m, clk := newTestManager(nil)
	ctx := context.Background()

	m.Raise(ctx, model.Alert{Type: model.AlertScaling, Severity: model.SeverityInfo, Message: "old"})
	clk.Step(90 * time.Minute)
	m.Raise(ctx, model.Alert{Type: model.AlertScaling, Severity: model.SeverityInfo, Message: "new"})

	active := m.Active()
	if len(active) != 1 || active[0].Message != "new" {
		t.Errorf("Active() = %+v, want only the new alert", active)
	}
	if len(m.History(0)) != 2 {
		t.Errorf("len(History) = %d, want 2", len(m.History(0)))
	}
	if got := m.History(1); len(got) != 1 || got[0].Message != "new" {
		t.Errorf("History(1) = %+v, want the newest alert", got)
	}
}

func TestManager_HistoryBounded(t *testing.T) {
	clk := clocktesting.NewFakeClock(testStart)
	m := NewManager(Config{HistorySize: 3}, nil, clk, nil)

	for i := 0; i < 5; i++ {
		m.Raise(context.Background(), model.Alert{Type: model.AlertCPU, Severity: model.SeverityInfo, Value: float64(i)})
	}
	h := m.History(0)
	if len(h) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(h))
	}
	if h[0].Value != 2 {
		t.Errorf("oldest kept Value = %v, want 2", h[0].Value)
	}
}

func TestManager_OnRaise(t *testing.T) {
	m, _ := newTestManager(nil)

	var got []bool
	m.OnRaise(func(_ model.Alert, dispatched bool) { got = append(got, dispatched) })

	m.Raise(context.Background(), model.Alert{Type: model.AlertScaling, Severity: model.SeverityInfo})
	m.Raise(context.Background(), model.Alert{Type: model.AlertCPU, Severity: model.SeverityWarning})

	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("observer calls = %v, want [true false]", got)
	}
}

func TestManager_Restore(t *testing.T) {
	m, clk := newTestManager(nil)
	st := memory.New(clk)
	ctx := context.Background()

	if err := st.SaveAlert(ctx, model.Alert{Type: model.AlertDisk, Severity: model.SeverityWarning, Timestamp: clk.Now().Add(-10 * time.Minute)}, 24*time.Hour); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}
	if err := st.SaveAlert(ctx, model.Alert{Type: model.AlertDisk, Severity: model.SeverityWarning, Timestamp: clk.Now().Add(-3 * time.Hour)}, 24*time.Hour); err != nil {
		t.Fatalf("SaveAlert: %v", err)
	}

	n, err := m.Restore(ctx, st)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("Restore() = %d, want 1", n)
	}
	if len(m.Active()) != 1 {
		t.Errorf("len(Active) = %d, want 1", len(m.Active()))
	}

	st.FailWith(errors.New("down"))
	if _, err := m.Restore(ctx, st); err == nil {
		t.Error("Restore() with failing store: expected error")
	}
}
