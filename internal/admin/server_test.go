package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/metrics"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store/memory"
	"github.com/rickgao/collabd/internal/supervisor"
	"github.com/rickgao/collabd/internal/task"
	"github.com/rickgao/collabd/internal/version"
	"github.com/rickgao/collabd/internal/worker"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeHealth struct{ report health.Report }

func (f fakeHealth) Latest() health.Report { return health.Report{} }

func (f fakeHealth) Check(context.Context) (health.Report, bool) { return f.report, true }

type fakeAlerts struct{ active, history []model.Alert }

func (f fakeAlerts) Active() []model.Alert { return f.active }

func (f fakeAlerts) History(limit int) []model.Alert {
	if limit < len(f.history) {
		return f.history[:limit]
	}
	return f.history
}

type fakeWorkers struct{}

func (fakeWorkers) WorkerSnapshots() []worker.Snapshot {
	return []worker.Snapshot{{ID: 1, State: worker.StateRunning, Connections: 3, Capacity: 10}}
}

func (fakeWorkers) PoolMetrics() map[int]admission.PoolMetrics {
	return map[int]admission.PoolMetrics{1: {CurrentConnections: 3, MaxConnections: 10}}
}

func (fakeWorkers) Stats() supervisor.Stats { return supervisor.Stats{ScaleUps: 2} }

type fakeTasks struct{}

func (fakeTasks) Status() []task.Status { return []task.Status{{Name: "rebalance", Runs: 4}} }

type fakeRooms struct{}

func (fakeRooms) Count() int            { return 3 }
func (fakeRooms) Rooms() map[string]int { return map[string]int{"scene-1": 2} }

func newTestServer(t *testing.T, src Sources) *httptest.Server {
	t.Helper()
	s := New(":0", src, clocktesting.NewFakePassiveClock(testNow), nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	tests := []struct {
		status string
		want   int
	}{
		{health.StatusHealthy, http.StatusOK},
		{health.StatusDegraded, http.StatusOK},
		{health.StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			ts := newTestServer(t, Sources{Health: fakeHealth{health.Report{Status: tt.status, Connections: 7}}})

			var body health.Report
			if code := get(t, ts, "/health", &body); code != tt.want {
				t.Errorf("status code = %d, want %d", code, tt.want)
			}
			if body.Status != tt.status || body.Connections != 7 {
				t.Errorf("body = %+v, want status %s with 7 connections", body, tt.status)
			}
		})
	}
}

func TestMetrics(t *testing.T) {
	clk := clocktesting.NewFakeClock(testNow)
	st := memory.New(clk)
	col := metrics.NewCollector(metrics.CollectorConfig{
		RetentionPeriod: time.Hour,
		Aggregations:    []metrics.Aggregation{{Interval: time.Minute, Retention: time.Hour}},
	}, st, clk, nil)

	ctx := context.Background()
	for i, v := range []float64{10, 30, 50} {
		ts := testNow.Add(-10*time.Minute + time.Duration(i)*20*time.Second)
		if err := col.Record(ctx, model.Sample{Type: model.MetricCPU, Value: v, Timestamp: ts}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	ts := newTestServer(t, Sources{Metrics: col})

	var resp metricsResponse
	if code := get(t, ts, "/api/metrics?type=cpu", &resp); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if resp.Bucket != "1m0s" || len(resp.Points) != 1 || resp.Points[0].Value != 30 {
		t.Errorf("response = %+v, want one 1m point averaging 30", resp)
	}

	var raw metricsResponse
	if code := get(t, ts, "/api/metrics?type=cpu&raw=true", &raw); code != http.StatusOK {
		t.Fatalf("raw status code = %d, want 200", code)
	}
	if !raw.Raw || len(raw.Points) != 3 {
		t.Errorf("raw response = %+v, want 3 raw points", raw)
	}

	var empty metricsResponse
	get(t, ts, "/api/metrics?type=memory", &empty)
	if empty.Points == nil || len(empty.Points) != 0 {
		t.Errorf("empty series points = %v, want []", empty.Points)
	}
}

func TestMetrics_BadRequests(t *testing.T) {
	col := metrics.NewCollector(metrics.CollectorConfig{
		Aggregations: []metrics.Aggregation{{Interval: time.Minute, Retention: time.Hour}},
	}, nil, clocktesting.NewFakeClock(testNow), nil)
	ts := newTestServer(t, Sources{Metrics: col})

	tests := []struct {
		name    string
		query   string
		want    int
		wantErr string
	}{
		{"missing type", "", http.StatusBadRequest, "unknown metric type"},
		{"unknown type", "type=temperature", http.StatusBadRequest, "unknown metric type"},
		{"bad start", "type=cpu&start=yesterday", http.StatusBadRequest, "start:"},
		{"inverted range", "type=cpu&start=2024-01-01T12:00:00Z&end=2024-01-01T11:00:00Z", http.StatusBadRequest, "start must not be after end"},
		{"unconfigured bucket", "type=cpu&bucket=7m", http.StatusBadRequest, "no aggregation configured"},
		{"bad bucket", "type=cpu&bucket=often", http.StatusBadRequest, "bucket:"},
		{"raw without store", "type=cpu&raw=1", http.StatusNotFound, "raw samples are not stored"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			if code := get(t, ts, "/api/metrics?"+tt.query, &body); code != tt.want {
				t.Errorf("status code = %d, want %d", code, tt.want)
			}
			if !strings.Contains(body["error"], tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", body["error"], tt.wantErr)
			}
		})
	}
}

func TestAlerts(t *testing.T) {
	mk := func(msg string) model.Alert {
		return model.Alert{ID: uuid.New(), Type: model.AlertCPU, Severity: model.SeverityWarning, Message: msg, Timestamp: testNow}
	}
	src := fakeAlerts{
		active:  []model.Alert{mk("cpu high")},
		history: []model.Alert{mk("a"), mk("b"), mk("c")},
	}
	ts := newTestServer(t, Sources{Alerts: src})

	var active []model.Alert
	get(t, ts, "/api/alerts", &active)
	if len(active) != 1 || active[0].Message != "cpu high" {
		t.Errorf("active = %+v, want the cpu alert", active)
	}

	var history []model.Alert
	get(t, ts, "/api/alerts?history=2", &history)
	if len(history) != 2 {
		t.Errorf("len(history) = %d, want 2", len(history))
	}

	if code := get(t, ts, "/api/alerts?history=-1", nil); code != http.StatusBadRequest {
		t.Errorf("negative history status = %d, want 400", code)
	}

	none := newTestServer(t, Sources{Alerts: fakeAlerts{}})
	resp, err := http.Get(none.URL + "/api/alerts")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty alerts body = %q, want []", body)
	}
}

func TestDebugWorkers(t *testing.T) {
	ts := newTestServer(t, Sources{
		Workers:   fakeWorkers{},
		Tasks:     fakeTasks{},
		Rooms:     fakeRooms{},
		Admission: func() admission.ControllerStats { return admission.ControllerStats{Accepted: 9} },
	})

	var body debugResponse
	if code := get(t, ts, "/debug/workers", &body); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if len(body.Workers) != 1 || body.Workers[0].Connections != 3 {
		t.Errorf("workers = %+v, want one worker with 3 connections", body.Workers)
	}
	if body.Pools[1].MaxConnections != 10 {
		t.Errorf("pools = %+v, want worker 1 capacity 10", body.Pools)
	}
	if body.Supervisor.ScaleUps != 2 {
		t.Errorf("supervisor.scale_ups = %d, want 2", body.Supervisor.ScaleUps)
	}
	if body.Admission == nil || body.Admission.Accepted != 9 {
		t.Errorf("admission = %+v, want 9 accepted", body.Admission)
	}
	if len(body.Tasks) != 1 || body.Sessions != 3 || body.Rooms["scene-1"] != 2 {
		t.Errorf("tasks/sessions/rooms = %+v/%d/%v", body.Tasks, body.Sessions, body.Rooms)
	}
}

func TestDisabledEndpoints(t *testing.T) {
	ts := newTestServer(t, Sources{})

	for _, path := range []string{"/health", "/api/metrics?type=cpu", "/api/alerts", "/debug/workers", "/metrics"} {
		if code := get(t, ts, path, nil); code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, code)
		}
	}
}

func TestVersion(t *testing.T) {
	ts := newTestServer(t, Sources{})

	var info version.Info
	if code := get(t, ts, "/version", &info); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if info.Version != version.Version {
		t.Errorf("version = %q, want %q", info.Version, version.Version)
	}
}

func TestPrometheusAndLifecycle(t *testing.T) {
	prom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "collabd_connections 4\n")
	})
	s := New("127.0.0.1:0", Sources{Prometheus: prom}, nil, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "collabd_connections 4") {
		t.Errorf("/metrics body = %q", body)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, err := http.Get("http://" + s.Addr() + "/metrics"); err == nil {
		t.Error("GET after Stop succeeded, want connection error")
	}
}
