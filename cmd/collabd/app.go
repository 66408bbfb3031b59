package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/admin"
	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/alert"
	"github.com/rickgao/collabd/internal/config"
	"github.com/rickgao/collabd/internal/database"
	"github.com/rickgao/collabd/internal/gateway"
	"github.com/rickgao/collabd/internal/health"
	"github.com/rickgao/collabd/internal/metrics"
	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/monitor"
	"github.com/rickgao/collabd/internal/records"
	"github.com/rickgao/collabd/internal/resilience"
	"github.com/rickgao/collabd/internal/shutdown"
	"github.com/rickgao/collabd/internal/store"
	redisstore "github.com/rickgao/collabd/internal/store/redis"
	"github.com/rickgao/collabd/internal/supervisor"
	"github.com/rickgao/collabd/internal/task"
	"github.com/rickgao/collabd/internal/worker"
	"github.com/rickgao/collabd/internal/writer"
)

// deps overrides what the app would otherwise build from config.
type deps struct {
	Store store.Store // replaces the Redis store
	Clock clock.WithTicker
}

// app is one wired collabd instance.
type app struct {
	cfg    *config.Config
	clock  clock.WithTicker
	logger *slog.Logger

	store      *store.Guarded
	admission  *admission.Controller
	alerts     *alert.Manager
	supervisor *supervisor.Supervisor
	hub        *gateway.Hub
	gateway    *gateway.Server
	checker    *health.Checker
	collector  *metrics.Collector
	exporter   *metrics.Exporter
	monitor    *monitor.Monitor
	tasks      *task.Group
	admin      *admin.Server
	shutdown   *shutdown.Coordinator

	db          *pgxpool.Pool
	records     *records.Repo
	alertWriter *writer.AlertWriter

	httpSrv  *http.Server
	httpLn   net.Listener
	httpWG   sync.WaitGroup
	serveErr chan error
}

// newApp builds every component. Nothing is started.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, d deps) (*app, error) {
	a := &app{
		cfg:      cfg,
		clock:    d.Clock,
		logger:   logger,
		serveErr: make(chan error, 1),
	}
	if a.clock == nil {
		a.clock = clock.RealClock{}
	}

	// Shared store behind its circuit breaker
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "store",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, a.clock, logger)
	backoff := resilience.BackoffConfig{
		Initial:  cfg.Backoff.Initial,
		Factor:   cfg.Backoff.Factor,
		MaxDelay: cfg.Backoff.MaxDelay,
	}
	inner := d.Store
	if inner == nil {
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		inner = redisstore.New(client,
			redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix),
			redisstore.WithClock(a.clock),
			redisstore.WithLogger(logger),
		)
	}
	a.store = store.NewGuarded(inner, resilience.NewGuard(breaker, backoff, a.clock, logger))

	// Business database
	if cfg.Database.Enabled() {
		pool, err := database.Connect(ctx, cfg.Database, cfg.Instance.ID)
		if err != nil {
			return nil, err
		}
		a.db = pool

		dbBreaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:             "database",
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}, a.clock, logger)
		a.records = records.New(records.Config{}, pool, resilience.NewGuard(dbBreaker, backoff, a.clock, logger), logger)
	}

	// Alerts
	channels, err := a.alertChannels()
	if err != nil {
		a.closeDB()
		return nil, err
	}
	a.alerts = alert.NewManager(alertConfig(cfg.Alerts), alert.NewNotifier(channels, 0, logger), a.clock, logger)

	// Admission and workers
	a.admission = admission.NewController(admission.ControllerConfig{
		RateWindow:          cfg.Admission.RateWindow,
		MaxRequests:         cfg.Admission.MaxRequests,
		AcceptRate:          cfg.Admission.AcceptRate,
		AcceptBurst:         cfg.Admission.AcceptBurst,
		RejectWhenStoreDown: cfg.Admission.RejectWhenStoreDown,
	}, a.store.Available, a.clock, logger)

	a.hub = gateway.NewHub(logger)
	a.supervisor = supervisor.New(supervisorConfig(cfg), supervisor.Options{
		Clock:     a.clock,
		Admission: a.admission,
		Alerts:    a.alerts,
		Notifier:  a.hub,
		Presence:  a.store,
		Logger:    logger,
	})

	var recs gateway.Records
	if a.records != nil {
		recs = a.records
	}
	a.gateway = gateway.NewServer(gateway.Config{
		ReadLimit:      cfg.Server.ReadLimit,
		PingInterval:   cfg.Server.PingInterval,
		WriteTimeout:   cfg.Server.WriteTimeout,
		SendBufferSize: cfg.Server.SendBufferSize,
	}, a.supervisor, a.hub, recs, logger)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Health, metrics and alert evaluation
	a.checker = health.NewChecker(
		health.CheckerConfig{Interval: cfg.Metrics.CollectionInterval},
		health.NewGopsutilSampler("/", logger),
		a.supervisor,
		a.probes(breaker),
		a.clock, logger,
	)
	a.collector = metrics.NewCollector(collectorConfig(cfg.Metrics), a.store, a.clock, logger)
	a.exporter = metrics.NewExporter(metrics.Sources{
		Admission:  a.admission.Stats,
		Supervisor: a.supervisor.Stats,
		Breaker:    breaker.State,
	})
	a.alerts.OnRaise(a.exporter.ObserveAlert)

	a.monitor = monitor.New(monitor.Config{CollectionInterval: cfg.Metrics.CollectionInterval}, monitor.Options{
		Checker:   a.checker,
		Collector: a.collector,
		Alerts:    a.alerts,
		Exporter:  a.exporter,
		Observers: []monitor.Observer{a.supervisor},
		Admission: a.admission.Stats,
		Clock:     a.clock,
		Logger:    logger,
	})
	breaker.OnStateChange(a.monitor.OnBreakerChange)

	a.tasks = task.NewGroup(a.clock, logger)
	for _, l := range a.supervisor.Loops() {
		a.tasks.Add(l)
	}
	for _, l := range a.monitor.Loops() {
		a.tasks.Add(l)
	}

	a.admin = admin.New(cfg.Server.AdminAddr, admin.Sources{
		Health:     a.checker,
		Metrics:    a.collector,
		Alerts:     a.alerts,
		Workers:    a.supervisor,
		Tasks:      a.tasks,
		Rooms:      a.hub,
		Admission:  a.admission.Stats,
		Prometheus: a.exporter.Handler(),
	}, a.clock, logger)

	a.shutdown = shutdown.New(shutdown.Config{
		MaxWait:        cfg.Shutdown.MaxWait,
		PollInterval:   cfg.Shutdown.PollInterval,
		CleanupTimeout: cfg.Shutdown.CleanupTimeout,
	}, a.supervisor, a.clock, logger)
	a.registerCleanups()

	return a, nil
}

// alertChannels builds the configured notification channels.
func (a *app) alertChannels() ([]alert.Channel, error) {
	var channels []alert.Channel
	for _, name := range a.cfg.Alerts.Channels {
		switch name {
		case "log":
			channels = append(channels, alert.NewLogChannel(a.logger))
		case "store":
			channels = append(channels, alert.NewStoreChannel(a.store, a.cfg.Alerts.ActiveWindow))
		case "database":
			if a.db == nil {
				return nil, errors.New("alert channel database requires a database")
			}
			a.alertWriter = writer.NewAlertWriter(writer.DefaultWriterConfig(), a.db, a.cfg.Instance.ID, a.clock, a.logger)
			channels = append(channels, a.alertWriter)
		default:
			return nil, fmt.Errorf("unknown alert channel %q", name)
		}
	}
	return channels, nil
}

// probes lists the dependencies the health check pings.
func (a *app) probes(breaker *resilience.CircuitBreaker) []health.Probe {
	probes := []health.Probe{{
		Name:  "store",
		Check: a.store.Ping,
		State: func() string { return breaker.State().String() },
	}}
	if a.db != nil {
		probes = append(probes, health.Probe{Name: "database", Check: a.db.Ping})
	}
	return probes
}

// registerCleanups registers resource teardown. Cleanups run in reverse, so
// the gateway closes first and the store last.
func (a *app) registerCleanups() {
	a.shutdown.Register("store", func(context.Context) error {
		return a.store.Close()
	})
	a.shutdown.Register("database", func(context.Context) error {
		a.closeDB()
		return nil
	})
	a.shutdown.Register("admin", a.admin.Stop)
	if a.alertWriter != nil {
		a.shutdown.Register("alert-writer", a.alertWriter.Stop)
	}
	a.shutdown.Register("tasks", a.tasks.Stop)
	a.shutdown.Register("gateway", a.stopGateway)
}

// start starts every component and binds both listeners.
func (a *app) start(ctx context.Context) error {
	if n, err := a.alerts.Restore(ctx, a.store); err != nil {
		a.logger.Warn("could not restore alert history", "error", err)
	} else if n > 0 {
		a.logger.Info("restored alert history", "count", n)
	}

	if a.alertWriter != nil {
		if err := a.alertWriter.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := a.alertWriter.Start(ctx); err != nil {
			return err
		}
	}

	if err := a.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	if err := a.tasks.Start(ctx); err != nil {
		return fmt.Errorf("start tasks: %w", err)
	}
	if err := a.admin.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.httpSrv.Addr, err)
	}
	a.httpLn = ln
	a.httpWG.Add(1)
	go func() {
		defer a.httpWG.Done()
		if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serveErr <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	a.logger.Info("collabd running",
		"instance_id", a.cfg.Instance.ID,
		"gateway_addr", ln.Addr().String(),
		"admin_addr", a.admin.Addr(),
		"workers", len(a.supervisor.Workers()),
	)
	return nil
}

// gatewayAddr returns the bound gateway address.
func (a *app) gatewayAddr() string {
	if a.httpLn != nil {
		return a.httpLn.Addr().String()
	}
	return a.httpSrv.Addr
}

// stopGateway closes every session, then the listener.
func (a *app) stopGateway(ctx context.Context) error {
	errs := []error{a.gateway.Close(ctx)}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown gateway server: %w", err))
	}
	a.httpWG.Wait()
	return errors.Join(errs...)
}

func (a *app) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

// -----------------------------------------------------------------------------
// Config mapping
// -----------------------------------------------------------------------------

func supervisorConfig(cfg *config.Config) supervisor.Config {
	return supervisor.Config{
		MinWorkers: cfg.Workers.Min,
		MaxWorkers: cfg.Workers.Max,
		Worker: worker.Config{
			MaxConnections:      cfg.Workers.MaxConnections,
			TickInterval:        cfg.Workers.TickInterval,
			InactiveTimeout:     cfg.Admission.InactiveTimeout,
			MaxRecoveryAttempts: cfg.Workers.MaxRecoveryAttempts,
			RecoveryCooldown:    cfg.Workers.RecoveryCooldown,
			RecoveryPause:       cfg.Workers.RecoveryPause,
			MemoryLimitMB:       cfg.Workers.MemoryLimitMB,
			Weights: worker.LoadWeights{
				Connections: cfg.Workers.LoadWeights.Connections,
				Memory:      cfg.Workers.LoadWeights.Memory,
				Errors:      cfg.Workers.LoadWeights.Errors,
			},
		},
		ScaleUpThreshold:   cfg.Scaling.UpThreshold,
		ScaleDownThreshold: cfg.Scaling.DownThreshold,
		ScaleCooldown:      cfg.Scaling.Cooldown,
		ScaleCheckInterval: cfg.Scaling.CheckInterval,
		SustainPeriod:      cfg.Scaling.SustainPeriod,
		RebalanceInterval:  cfg.Rebalance.Interval,
		MaxLoadRatio:       cfg.Rebalance.MaxLoadRatio,
		MinLoadRatio:       cfg.Rebalance.MinLoadRatio,
		ConnectionBuffer:   cfg.Rebalance.ConnectionBuffer,
		MaxRebalanceSteps:  cfg.Rebalance.MaxSteps,
		RecoveryInterval:   cfg.Workers.TickInterval,
		CleanupInterval:    cfg.Admission.CleanupInterval,
	}
}

func alertConfig(cfg config.AlertsConfig) alert.Config {
	level := func(l config.LevelThresholds) alert.Level {
		return alert.Level{Warning: l.Warning, Critical: l.Critical}
	}
	return alert.Config{
		CPU:       level(cfg.CPU),
		Memory:    level(cfg.Memory),
		Disk:      level(cfg.Disk),
		ErrorRate: level(cfg.ErrorRate),
		LatencyMS: level(cfg.LatencyMS),
		Occurrences: map[model.Severity]int{
			model.SeverityInfo:     cfg.Occurrences.Info,
			model.SeverityWarning:  cfg.Occurrences.Warning,
			model.SeverityError:    cfg.Occurrences.Error,
			model.SeverityCritical: cfg.Occurrences.Critical,
		},
		ActiveWindow: cfg.ActiveWindow,
	}
}

func collectorConfig(cfg config.MetricsConfig) metrics.CollectorConfig {
	aggs := make([]metrics.Aggregation, len(cfg.Aggregations))
	for i, agg := range cfg.Aggregations {
		aggs[i] = metrics.Aggregation{Interval: agg.Interval, Retention: agg.Retention}
	}
	return metrics.CollectorConfig{RetentionPeriod: cfg.RetentionPeriod, Aggregations: aggs}
}
