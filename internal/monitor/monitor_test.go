package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/alert"
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/metrics"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/resilience"
	"github.com/rickgao/collabd/internal/store/memory"
	"github.com/rickgao/collabd/internal/worker"
)

var testStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fixedSampler struct{ stats health.SystemStats }

func (s fixedSampler) Sample(context.Context) (health.SystemStats, error) { return s.stats, nil }

type fixedWorkers []worker.Snapshot

func (w fixedWorkers) WorkerSnapshots() []worker.Snapshot { return w }

type recordingObserver struct {
	mu      sync.Mutex
	reports []health.Report
}

func (o *recordingObserver) Observe(r health.Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.reports)
}

type fixture struct {
	clk      *clocktesting.FakeClock
	store    *memory.Store
	monitor  *Monitor
	alerts   *alert.Manager
	coll     *metrics.Collector
	exporter *metrics.Exporter
	observer *recordingObserver
	accepted uint64
	mu       sync.Mutex
}

func newFixture(t *testing.T, cpu float64) *fixture {
	t.Helper()
	f := &fixture{
		clk:      clocktesting.NewFakeClock(testStart),
		observer: &recordingObserver{},
	}
	f.store = memory.New(f.clk)

	checker := health.NewChecker(
		health.CheckerConfig{Interval: 30 * time.Second},
		fixedSampler{stats: health.SystemStats{CPUPercent: cpu, MemoryPercent: 40}},
		fixedWorkers{
			{ID: 1, State: worker.StateRunning, Load: 0.25, Connections: 3},
			{ID: 2, State: worker.StateRunning, Load: 0.75, Connections: 5},
		},
		nil, f.clk, nil)
	f.coll = metrics.NewCollector(metrics.CollectorConfig{
		RetentionPeriod: time.Hour,
		Aggregations:    []metrics.Aggregation{{Interval: time.Minute, Retention: time.Hour}},
	}, f.store, f.clk, nil)
	f.alerts = alert.NewManager(alert.Config{
		CPU:         alert.Level{Warning: 75, Critical: 90},
		Occurrences: map[model.Severity]int{model.SeverityCritical: 1},
	}, nil, f.clk, nil)
	f.exporter = metrics.NewExporter(metrics.Sources{})

	f.monitor = New(Config{
		CollectionInterval: 30 * time.Second,
		RateInterval:       10 * time.Second,
	}, Options{
		Checker:   checker,
		Collector: f.coll,
		Alerts:    f.alerts,
		Exporter:  f.exporter,
		Observers: []Observer{f.observer},
		Admission: func() admission.ControllerStats {
			f.mu.Lock()
			defer f.mu.Unlock()
			return admission.ControllerStats{Accepted: f.accepted}
		},
		Clock: f.clk,
	})
	return f
}

func (f *fixture) accept(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted += n
}

func TestMonitor_Collect(t *testing.T) {
	f := newFixture(t, 95)
	ctx := context.Background()

	if err := f.monitor.Collect(ctx); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if s, ok := f.coll.Latest(model.MetricConnections); !ok || s.Value != 8 {
		t.Errorf("Latest(connections) = %+v, %v, want 8", s, ok)
	}
	if s, ok := f.coll.Latest(model.MetricAverageLoad); !ok || s.Value != 0.5 {
		t.Errorf("Latest(average_load) = %+v, %v, want 0.5", s, ok)
	}
	history := f.alerts.History(0)
	if len(history) != 1 || history[0].Severity != model.SeverityCritical {
		t.Errorf("alerts = %+v, want one critical cpu alert", history)
	}
	if f.observer.count() != 1 {
		t.Errorf("observer reports = %d, want 1", f.observer.count())
	}
	if n, err := testutil.GatherAndCount(f.exporter.Registry(), "collabd_connections"); err != nil || n != 1 {
		t.Errorf("exported connections series = %d, %v, want 1", n, err)
	}

	// Inside the collection interval the check is skipped entirely.
	f.clk.Step(10 * time.Second)
	if err := f.monitor.Collect(ctx); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if f.observer.count() != 1 {
		t.Errorf("observer reports after skipped check = %d, want 1", f.observer.count())
	}

	f.clk.Step(20 * time.Second)
	if err := f.monitor.Collect(ctx); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	st := f.monitor.Stats()
	if st.Collections != 2 || st.Skipped != 1 {
		t.Errorf("Stats() = %+v, want 2 collections and 1 skipped", st)
	}
}

func TestMonitor_CollectPersistFailure(t *testing.T) {
	f := newFixture(t, 10)
	f.store.FailWith(errors.New("store down"))

	if err := f.monitor.Collect(context.Background()); err == nil {
		t.Fatal("Collect() with failing store: expected error")
	}
	if f.observer.count() != 1 {
		t.Errorf("observer reports = %d, want 1 despite persistence failure", f.observer.count())
	}
	if _, ok := f.coll.Latest(model.MetricCPU); !ok {
		t.Error("in-memory sample missing after persistence failure")
	}
	if st := f.monitor.Stats(); st.PersistErrors != 1 {
		t.Errorf("PersistErrors = %d, want 1", st.PersistErrors)
	}
}

func TestMonitor_WatchRate(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.accept(7)
	if err := f.monitor.WatchRate(ctx); err != nil {
		t.Fatalf("WatchRate: %v", err)
	}
	if _, ok := f.coll.Latest(model.MetricConnectionRate); ok {
		t.Error("first WatchRate recorded a sample, want baseline only")
	}

	f.accept(50)
	f.clk.Step(10 * time.Second)
	if err := f.monitor.WatchRate(ctx); err != nil {
		t.Fatalf("WatchRate: %v", err)
	}
	s, ok := f.coll.Latest(model.MetricConnectionRate)
	if !ok || s.Value != 5 {
		t.Errorf("connection rate = %+v, %v, want 5/s", s, ok)
	}
}

func TestMonitor_OnBreakerChange(t *testing.T) {
	f := newFixture(t, 10)

	f.monitor.OnBreakerChange(resilience.Transition{From: resilience.StateOpen, To: resilience.StateHalfOpen, At: testStart})
	f.monitor.OnBreakerChange(resilience.Transition{From: resilience.StateClosed, To: resilience.StateOpen, At: testStart, Failures: 5})

	deadline := time.Now().Add(time.Second)
	for len(f.alerts.History(0)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no alert raised for open breaker")
		}
		time.Sleep(5 * time.Millisecond)
	}

	history := f.alerts.History(0)
	if len(history) != 1 {
		t.Fatalf("alerts = %+v, want only the open transition", history)
	}
	a := history[0]
	if a.Type != model.AlertStoreUnavailable || a.Severity != model.SeverityError || a.Value != 5 {
		t.Errorf("alert = %+v, want store_unavailable error with 5 failures", a)
	}
}

func TestMonitor_Loops(t *testing.T) {
	f := newFixture(t, 10)

	want := []string{"collect", "purge", "connection-rate"}
	loops := f.monitor.Loops()
	if len(loops) != len(want) {
		t.Fatalf("len(Loops()) = %d, want %d", len(loops), len(want))
	}
	for i, l := range loops {
		if l.Name != want[i] {
			t.Errorf("loop %d = %q, want %q", i, l.Name, want[i])
		}
		if l.Interval <= 0 || l.Run == nil {
			t.Errorf("loop %q is not runnable", l.Name)
		}
	}
}
