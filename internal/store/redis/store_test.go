package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rickgao/collabd/internal/model"
)

func TestKeys(t *testing.T) {
	s := New(nil, WithKeyPrefix("test:"))
	bucket := time.Unix(1_700_000_040, 0)

	tests := []struct {
		got  string
		want string
	}{
		{s.samplesKey(model.MetricCPU), "test:samples:cpu"},
		{s.aggregateKey(model.MetricMemory, 5*time.Minute, bucket), "test:agg:memory:5m0s:1700000040"},
		{s.alertsKey(), "test:alerts"},
		{s.presenceKey("alice"), "test:presence:alice"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseSampleMember(t *testing.T) {
	tests := []struct {
		member  string
		want    float64
		wantErr bool
	}{
		{"1700000000000000000:42.5", 42.5, false},
		{"1700000000000000000:1e-05", 0.00001, false},
		{"nocolon", 0, true},
		{"abc:1", 0, true},
		{"1:xyz", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSampleMember(model.MetricCPU, tt.member)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseSampleMember(%q) error = %v, wantErr %v", tt.member, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.Value != tt.want {
			t.Errorf("parseSampleMember(%q).Value = %v, want %v", tt.member, got.Value, tt.want)
		}
	}
}

// TestStore_Integration runs against a live Redis when COLLABD_TEST_REDIS is set.
func TestStore_Integration(t *testing.T) {
	addr := os.Getenv("COLLABD_TEST_REDIS")
	if addr == "" {
		t.Skip("COLLABD_TEST_REDIS not set")
	}

	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	prefix := "collabd-test:" + time.Now().Format("150405.000") + ":"
	s := New(client, WithKeyPrefix(prefix))
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	now := time.Now().UTC()
	for i, v := range []float64{10, 20, 30} {
		sample := model.Sample{Type: model.MetricCPU, Value: v, Timestamp: now.Add(time.Duration(i) * time.Second)}
		if err := s.AddSample(ctx, sample, time.Hour); err != nil {
			t.Fatalf("AddSample() error = %v", err)
		}
	}
	got, err := s.Samples(ctx, model.MetricCPU, now, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("Samples() error = %v", err)
	}
	if len(got) != 2 || got[0].Value != 10 || got[1].Value != 20 {
		t.Errorf("Samples() = %+v, want values 10 and 20", got)
	}

	alert := model.Alert{Type: model.AlertCPU, Severity: model.SeverityCritical, Message: "cpu", Timestamp: now}
	if err := s.SaveAlert(ctx, alert, time.Hour); err != nil {
		t.Fatalf("SaveAlert() error = %v", err)
	}
	alerts, err := s.RecentAlerts(ctx, now.Add(-time.Minute))
	if err != nil || len(alerts) != 1 {
		t.Errorf("RecentAlerts() = %v, %v, want one alert", alerts, err)
	}

	if err := s.SetPresence(ctx, "alice", 2, time.Minute); err != nil {
		t.Fatalf("SetPresence() error = %v", err)
	}
	if id, err := s.Presence(ctx, "alice"); err != nil || id != 2 {
		t.Errorf("Presence() = %d, %v, want 2", id, err)
	}
	_ = s.ClearPresence(ctx, "alice")

	client.Del(ctx, s.samplesKey(model.MetricCPU), s.alertsKey())
}
