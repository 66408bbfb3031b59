package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/config"
	"github.com/rickgao/collabd/internal/store/memory"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
		wantOut string
	}{
		{"text info", config.LoggingConfig{Level: "info", Format: "text"}, false, "level=INFO"},
		{"json debug", config.LoggingConfig{Level: "debug", Format: "json"}, false, `"level":"INFO"`},
		{"bad level", config.LoggingConfig{Level: "loud", Format: "text"}, true, ""},
		{"bad format", config.LoggingConfig{Level: "info", Format: "xml"}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := newLogger(tt.cfg, &buf)
			if (err != nil) != tt.wantErr {
				t.Fatalf("newLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			logger.Info("hello")
			if !strings.Contains(buf.String(), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", buf.String(), tt.wantOut)
			}
		})
	}
}

func TestValidateCmd(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte("instance:\n  id: collab-7\n"), 0644)
	os.WriteFile(bad, []byte("workers:\n  min: 4\n  max: 1\n"), 0644)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", good})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate good config error = %v", err)
	}
	if !strings.Contains(out.String(), "config ok: instance=collab-7") {
		t.Errorf("output = %q", out.String())
	}

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"validate", "--config", bad})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "workers.min (4) cannot exceed workers.max (1)") {
		t.Errorf("validate bad config error = %v", err)
	}
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "collabd dev") {
		t.Errorf("output = %q, want collabd dev prefix", out.String())
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Instance.ID = "test"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.AdminAddr = "127.0.0.1:0"
	cfg.Workers.Min = 2
	cfg.Workers.Max = 2
	cfg.Workers.MaxConnections = 2
	cfg.Shutdown.MaxWait = 2 * time.Second
	cfg.Shutdown.PollInterval = 20 * time.Millisecond
	return cfg
}

func TestApp_ServeProbeShutdown(t *testing.T) {
	cfg := testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logger, deps{Store: memory.New(clock.RealClock{})})
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	if err := a.start(ctx); err != nil {
		t.Fatalf("start() error = %v", err)
	}
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			a.shutdown.Shutdown(context.Background())
		}
	})

	res, err := runProbe(ctx, probeConfig{
		URL:         "ws://" + a.gatewayAddr() + "/ws",
		Clients:     6,
		Concurrency: 1,
		ClientID:    "t",
		Hold:        10 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("runProbe() error = %v", err)
	}
	if res.Accepted != 4 || res.Rejected[http.StatusServiceUnavailable] != 2 || res.Failed != 0 {
		t.Errorf("probe = %+v, want 4 accepted and 2 rejected with 503", res)
	}
	if len(res.Workers) != 2 || res.Workers[1] != 2 || res.Workers[2] != 2 {
		t.Errorf("probe workers = %v, want 2 clients on each of workers 1 and 2", res.Workers)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.supervisor.TotalConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connections after probe = %d, want 0", a.supervisor.TotalConnections())
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + a.admin.Addr() + "/debug/workers")
	if err != nil {
		t.Fatalf("GET /debug/workers error = %v", err)
	}
	var debug struct {
		Workers []json.RawMessage `json:"workers"`
	}
	json.NewDecoder(resp.Body).Decode(&debug)
	resp.Body.Close()
	if len(debug.Workers) != 2 {
		t.Errorf("debug workers = %d, want 2", len(debug.Workers))
	}

	var out bytes.Buffer
	printProbe(&out, probeConfig{Clients: 6}, res)
	if !strings.Contains(out.String(), "clients=6 accepted=4 rejected=2 failed=0") {
		t.Errorf("probe output = %q", out.String())
	}

	report := a.shutdown.Shutdown(ctx)
	stopped = true
	if err := report.Err(); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
	if !report.Drained {
		t.Error("shutdown did not drain an idle server")
	}
	if a.supervisor.Accepting() {
		t.Error("supervisor still accepting after shutdown")
	}
}
