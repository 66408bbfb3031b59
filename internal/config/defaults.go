package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultInstanceID     = "collabd"
	DefaultListenAddr     = ":8080"
	DefaultAdminAddr      = ":9090"
	DefaultReadLimit      = 64 * 1024
	DefaultPingInterval   = 25 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSendBufferSize = 256
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"

	DefaultMinWorkers          = 2
	DefaultMaxWorkers          = 8
	DefaultTickInterval        = 5 * time.Second
	DefaultMaxConnections      = 1000
	DefaultMaxRecoveryAttempts = 3
	DefaultRecoveryCooldown    = 30 * time.Second
	DefaultRecoveryPause       = 1 * time.Second
	DefaultMemoryLimitMB       = 2048
	DefaultConnectionWeight    = 0.4
	DefaultMemoryWeight        = 0.4
	DefaultErrorWeight         = 0.2

	DefaultScaleUpThreshold   = 0.75
	DefaultScaleDownThreshold = 0.25
	DefaultScaleCooldown      = 5 * time.Minute
	DefaultScaleCheckInterval = 30 * time.Second

	DefaultRebalanceInterval = 1 * time.Minute
	DefaultMaxLoadRatio      = 1.2
	DefaultMinLoadRatio      = 0.8
	DefaultConnectionBuffer  = 0.5
	DefaultMaxRebalanceSteps = 16

	DefaultRateWindow      = 60 * time.Second
	DefaultMaxRequests     = 100
	DefaultAcceptBurst     = 50
	DefaultInactiveTimeout = 5 * time.Minute
	DefaultCleanupInterval = 1 * time.Minute

	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second

	DefaultBackoffInitial  = 100 * time.Millisecond
	DefaultBackoffFactor   = 2.0
	DefaultBackoffMaxDelay = 10 * time.Second

	DefaultCollectionInterval = 30 * time.Second
	DefaultRetentionPeriod    = 24 * time.Hour

	DefaultActiveAlertWindow = 1 * time.Hour

	DefaultShutdownMaxWait      = 30 * time.Second
	DefaultShutdownPollInterval = 500 * time.Millisecond
	DefaultCleanupTimeout       = 10 * time.Second

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "collabd:"

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2
)

// DefaultAggregations are the 1 minute, 5 minute and 1 hour rollups.
func DefaultAggregations() []AggregationConfig {
	return []AggregationConfig{
		{Interval: time.Minute, Retention: 24 * time.Hour},
		{Interval: 5 * time.Minute, Retention: 7 * 24 * time.Hour},
		{Interval: time.Hour, Retention: 30 * 24 * time.Hour},
	}
}

// ApplyDefaults fills every zero-valued optional field.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Server defaults
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = DefaultAdminAddr
	}
	if c.Server.ReadLimit == 0 {
		c.Server.ReadLimit = DefaultReadLimit
	}
	if c.Server.PingInterval == 0 {
		c.Server.PingInterval = DefaultPingInterval
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.SendBufferSize == 0 {
		c.Server.SendBufferSize = DefaultSendBufferSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	// Worker defaults
	if c.Workers.Min == 0 {
		c.Workers.Min = DefaultMinWorkers
	}
	if c.Workers.Max == 0 {
		c.Workers.Max = DefaultMaxWorkers
	}
	if c.Workers.TickInterval == 0 {
		c.Workers.TickInterval = DefaultTickInterval
	}
	if c.Workers.MaxConnections == 0 {
		c.Workers.MaxConnections = DefaultMaxConnections
	}
	if c.Workers.MaxRecoveryAttempts == 0 {
		c.Workers.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if c.Workers.RecoveryCooldown == 0 {
		c.Workers.RecoveryCooldown = DefaultRecoveryCooldown
	}
	if c.Workers.RecoveryPause == 0 {
		c.Workers.RecoveryPause = DefaultRecoveryPause
	}
	if c.Workers.MemoryLimitMB == 0 {
		c.Workers.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if c.Workers.LoadWeights == (LoadWeights{}) {
		c.Workers.LoadWeights = LoadWeights{
			Connections: DefaultConnectionWeight,
			Memory:      DefaultMemoryWeight,
			Errors:      DefaultErrorWeight,
		}
	}

	// Scaling defaults
	if c.Scaling.UpThreshold == 0 {
		c.Scaling.UpThreshold = DefaultScaleUpThreshold
	}
	if c.Scaling.DownThreshold == 0 {
		c.Scaling.DownThreshold = DefaultScaleDownThreshold
	}
	if c.Scaling.Cooldown == 0 {
		c.Scaling.Cooldown = DefaultScaleCooldown
	}
	if c.Scaling.CheckInterval == 0 {
		c.Scaling.CheckInterval = DefaultScaleCheckInterval
	}

	// Rebalance defaults
	if c.Rebalance.Interval == 0 {
		c.Rebalance.Interval = DefaultRebalanceInterval
	}
	if c.Rebalance.MaxLoadRatio == 0 {
		c.Rebalance.MaxLoadRatio = DefaultMaxLoadRatio
	}
	if c.Rebalance.MinLoadRatio == 0 {
		c.Rebalance.MinLoadRatio = DefaultMinLoadRatio
	}
	if c.Rebalance.ConnectionBuffer == 0 {
		c.Rebalance.ConnectionBuffer = DefaultConnectionBuffer
	}
	if c.Rebalance.MaxSteps == 0 {
		c.Rebalance.MaxSteps = DefaultMaxRebalanceSteps
	}

	// Admission defaults
	if c.Admission.RateWindow == 0 {
		c.Admission.RateWindow = DefaultRateWindow
	}
	if c.Admission.MaxRequests == 0 {
		c.Admission.MaxRequests = DefaultMaxRequests
	}
	if c.Admission.AcceptRate > 0 && c.Admission.AcceptBurst == 0 {
		c.Admission.AcceptBurst = DefaultAcceptBurst
	}
	if c.Admission.InactiveTimeout == 0 {
		c.Admission.InactiveTimeout = DefaultInactiveTimeout
	}
	if c.Admission.CleanupInterval == 0 {
		c.Admission.CleanupInterval = DefaultCleanupInterval
	}

	// Resilience defaults
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = DefaultResetTimeout
	}
	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = DefaultBackoffInitial
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = DefaultBackoffFactor
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = DefaultBackoffMaxDelay
	}

	// Metrics defaults
	if c.Metrics.CollectionInterval == 0 {
		c.Metrics.CollectionInterval = DefaultCollectionInterval
	}
	if c.Metrics.RetentionPeriod == 0 {
		c.Metrics.RetentionPeriod = DefaultRetentionPeriod
	}
	if len(c.Metrics.Aggregations) == 0 {
		c.Metrics.Aggregations = DefaultAggregations()
	}
	if c.Scaling.SustainPeriod == 0 {
		c.Scaling.SustainPeriod = c.Metrics.CollectionInterval
	}

	applyAlertDefaults(&c.Alerts)

	// Shutdown defaults
	if c.Shutdown.MaxWait == 0 {
		c.Shutdown.MaxWait = DefaultShutdownMaxWait
	}
	if c.Shutdown.PollInterval == 0 {
		c.Shutdown.PollInterval = DefaultShutdownPollInterval
	}
	if c.Shutdown.CleanupTimeout == 0 {
		c.Shutdown.CleanupTimeout = DefaultCleanupTimeout
	}

	// Store defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database)
	}
}

func applyAlertDefaults(a *AlertsConfig) {
	if a.CPU == (LevelThresholds{}) {
		a.CPU = LevelThresholds{Warning: 75, Critical: 90}
	}
	if a.Memory == (LevelThresholds{}) {
		a.Memory = LevelThresholds{Warning: 80, Critical: 95}
	}
	if a.Disk == (LevelThresholds{}) {
		a.Disk = LevelThresholds{Warning: 85, Critical: 95}
	}
	if a.ErrorRate == (LevelThresholds{}) {
		a.ErrorRate = LevelThresholds{Warning: 0.05, Critical: 0.2}
	}
	if a.LatencyMS == (LevelThresholds{}) {
		a.LatencyMS = LevelThresholds{Warning: 500, Critical: 2000}
	}
	if a.Occurrences == (Occurrences{}) {
		a.Occurrences = Occurrences{Info: 5, Warning: 3, Error: 2, Critical: 1}
	}
	if a.ActiveWindow == 0 {
		a.ActiveWindow = DefaultActiveAlertWindow
	}
	if len(a.Channels) == 0 {
		a.Channels = []string{"log", "store"}
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
