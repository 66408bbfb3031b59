package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/metrics"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/store"
	"github.com/rickgao/collabd/internal/version"
)

// Server is the admin HTTP server.
type Server struct {
	src    Sources
	clock  clock.PassiveClock
	logger *slog.Logger

	srv *http.Server
	ln  net.Listener
	wg  sync.WaitGroup
}

// New creates a Server listening on addr once started.
func New(addr string, src Sources, clk clock.PassiveClock, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		src:    src,
		clock:  clk,
		logger: logger.With("component", "admin"),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/alerts", s.handleAlerts)
	mux.HandleFunc("GET /debug/workers", s.handleWorkers)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
	if s.src.Prometheus != nil {
		mux.Handle("GET /metrics", s.src.Prometheus)
	}
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server error", "error", err)
		}
	}()

	s.logger.Info("admin server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.src.Health == nil {
		writeError(w, http.StatusNotFound, "health checks disabled")
		return
	}

	// Serve the collection loop's report so scrapes do not reset its
	// interval; check directly only before the first collection.
	report := s.src.Health.Latest()
	if report.Timestamp.IsZero() {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultHealthTimeout)
		defer cancel()
		report, _ = s.src.Health.Check(ctx)
	}
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.src.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}

	q := r.URL.Query()
	t, err := model.ParseMetricType(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	end := s.clock.Now()
	if v := q.Get("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "end: "+err.Error())
			return
		}
	}
	start := end.Add(-DefaultMetricsWindow)
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, http.StatusBadRequest, "start: "+err.Error())
			return
		}
	}

	resp := metricsResponse{Type: t, Start: start, End: end}

	if raw, _ := strconv.ParseBool(q.Get("raw")); raw {
		resp.Raw = true
		resp.Points, err = s.src.Metrics.RawSamples(r.Context(), t, start, end)
	} else {
		var bucket time.Duration
		bucket, err = s.bucket(q.Get("bucket"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		resp.Bucket = bucket.String()
		resp.Points, err = s.src.Metrics.GetMetrics(t, start, end, bucket)
	}

	switch {
	case err == nil:
		if resp.Points == nil {
			resp.Points = []model.Point{}
		}
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, metrics.ErrInvalidRange), errors.Is(err, metrics.ErrUnknownInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "raw samples are not stored")
	default:
		s.logger.Warn("metrics query failed", "type", t, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// bucket parses the bucket parameter, defaulting to the finest aggregation.
func (s *Server) bucket(v string) (time.Duration, error) {
	if v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("bucket: %w", err)
		}
		return d, nil
	}
	intervals := s.src.Metrics.Intervals()
	if len(intervals) == 0 {
		return 0, metrics.ErrUnknownInterval
	}
	return intervals[0], nil
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.src.Alerts == nil {
		writeError(w, http.StatusNotFound, "alerts disabled")
		return
	}

	v := r.URL.Query().Get("history")
	if v == "" {
		writeJSON(w, http.StatusOK, nonNil(s.src.Alerts.Active()))
		return
	}

	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("history must be a non-negative integer, got %q", v))
		return
	}
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	writeJSON(w, http.StatusOK, nonNil(s.src.Alerts.History(limit)))
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.src.Workers == nil {
		writeError(w, http.StatusNotFound, "supervisor disabled")
		return
	}

	resp := debugResponse{
		Workers:    s.src.Workers.WorkerSnapshots(),
		Pools:      s.src.Workers.PoolMetrics(),
		Supervisor: s.src.Workers.Stats(),
	}
	if s.src.Admission != nil {
		st := s.src.Admission()
		resp.Admission = &st
	}
	if s.src.Tasks != nil {
		resp.Tasks = s.src.Tasks.Status()
	}
	if s.src.Rooms != nil {
		resp.Sessions = s.src.Rooms.Count()
		resp.Rooms = s.src.Rooms.Rooms()
	}
	writeJSON(w, http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func nonNil(alerts []model.Alert) []model.Alert {
	if alerts == nil {
		return []model.Alert{}
	}
	return alerts
}
