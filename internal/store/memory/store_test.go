package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store"
)

func TestStore_SamplesExpire(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clocktesting.NewFakeClock(t0)
	s := New(clk)

	_ = s.AddSample(ctx, model.Sample{Type: model.MetricCPU, Value: 10, Timestamp: t0}, time.Hour)
	clk.Step(30 * time.Minute)
	_ = s.AddSample(ctx, model.Sample{Type: model.MetricCPU, Value: 20, Timestamp: clk.Now()}, time.Hour)

	got, err := s.Samples(ctx, model.MetricCPU, t0, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Samples() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Samples()) = %d, want 2", len(got))
	}

	clk.Step(45 * time.Minute)
	got, _ = s.Samples(ctx, model.MetricCPU, t0, t0.Add(2*time.Hour))
	if len(got) != 1 || got[0].Value != 20 {
		t.Errorf("Samples() after first expiry = %+v, want only value 20", got)
	}
}

func TestStore_AggregateUpsert(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(clocktesting.NewFakeClock(t0))

	a := model.NewAggregate(model.MetricMemory, time.Minute, t0)
	a.Add(1)
	_ = s.SaveAggregate(ctx, a, time.Hour)
	a.Add(3)
	_ = s.SaveAggregate(ctx, a, time.Hour)

	got, err := s.Aggregate(model.MetricMemory, time.Minute, t0)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if got.Count != 2 || got.Avg() != 2 {
		t.Errorf("Aggregate() = count %d avg %v, want 2 and 2", got.Count, got.Avg())
	}
	if _, err := s.Aggregate(model.MetricMemory, time.Hour, t0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Aggregate(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_FailWith(t *testing.T) {
	s := New(nil)
	boom := errors.New("connection refused")
	s.FailWith(boom)

	if err := s.Ping(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Ping() error = %v, want %v", err, boom)
	}
	s.FailWith(nil)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() after recovery error = %v", err)
	}
}

func TestStore_Presence(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Unix(0, 0))
	s := New(clk)

	_ = s.SetPresence(ctx, "alice", 3, time.Minute)
	if id, err := s.Presence("alice"); err != nil || id != 3 {
		t.Errorf("Presence(alice) = %d, %v, want 3", id, err)
	}
	_ = s.ClearPresence(ctx, "alice")
	if _, err := s.Presence("alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Presence() after clear error = %v, want ErrNotFound", err)
	}
}
