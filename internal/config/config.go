package config

import "time"

// Config is the root configuration for a collabd instance.
type Config struct {
	Instance  InstanceConfig  `yaml:"instance"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Workers   WorkersConfig   `yaml:"workers"`
	Scaling   ScalingConfig   `yaml:"scaling"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Admission AdmissionConfig `yaml:"admission"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DBConfig        `yaml:"database"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"` // WebSocket gateway
	AdminAddr      string        `yaml:"admin_addr"`  // health, metrics, debug
	ReadLimit      int64         `yaml:"read_limit"`  // max inbound message bytes
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	SendBufferSize int           `yaml:"send_buffer_size"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// WorkersConfig holds per-worker settings.
type WorkersConfig struct {
	Min                 int           `yaml:"min"`
	Max                 int           `yaml:"max"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	MaxConnections      int           `yaml:"max_connections"` // per worker
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	RecoveryCooldown    time.Duration `yaml:"recovery_cooldown"`
	RecoveryPause       time.Duration `yaml:"recovery_pause"`
	MemoryLimitMB       float64       `yaml:"memory_limit_mb"` // denominator for memory pressure
	LoadWeights         LoadWeights   `yaml:"load_weights"`
}

// LoadWeights are the coefficients of a worker's load signals.
type LoadWeights struct {
	Connections float64 `yaml:"connections"`
	Memory      float64 `yaml:"memory"`
	Errors      float64 `yaml:"errors"`
}

// ScalingConfig holds auto-scaler settings.
type ScalingConfig struct {
	UpThreshold   float64       `yaml:"up_threshold"`
	DownThreshold float64       `yaml:"down_threshold"`
	Cooldown      time.Duration `yaml:"cooldown"`
	CheckInterval time.Duration `yaml:"check_interval"`
	SustainPeriod time.Duration `yaml:"sustain_period"` // how long load must stay high before scaling up
}

// RebalanceConfig holds rebalancer settings.
type RebalanceConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MaxLoadRatio     float64       `yaml:"max_load_ratio"`
	MinLoadRatio     float64       `yaml:"min_load_ratio"`
	ConnectionBuffer float64       `yaml:"connection_buffer"`
	MaxSteps         int           `yaml:"max_steps"`
}

// AdmissionConfig holds rate limiting and pool hygiene settings.
type AdmissionConfig struct {
	RateWindow          time.Duration `yaml:"rate_window"`
	MaxRequests         int           `yaml:"max_requests"`
	AcceptRate          float64       `yaml:"accept_rate"` // process-wide accepts per second, 0 disables
	AcceptBurst         int           `yaml:"accept_burst"`
	InactiveTimeout     time.Duration `yaml:"inactive_timeout"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	RejectWhenStoreDown bool          `yaml:"reject_when_store_down"`
}

// BreakerConfig holds circuit breaker settings for the shared store.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// BackoffConfig holds retry backoff settings for the shared store.
type BackoffConfig struct {
	Initial  time.Duration `yaml:"initial"`
	Factor   float64       `yaml:"factor"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// MetricsConfig holds collection and retention settings.
type MetricsConfig struct {
	CollectionInterval time.Duration       `yaml:"collection_interval"`
	RetentionPeriod    time.Duration       `yaml:"retention_period"`
	Aggregations       []AggregationConfig `yaml:"aggregations"`
}

// AggregationConfig is one aggregate granularity and how long its buckets live.
type AggregationConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"`
}

// AlertsConfig holds alert thresholds and notification settings.
type AlertsConfig struct {
	CPU          LevelThresholds `yaml:"cpu"`        // percent
	Memory       LevelThresholds `yaml:"memory"`     // percent
	Disk         LevelThresholds `yaml:"disk"`       // percent
	ErrorRate    LevelThresholds `yaml:"error_rate"` // fraction
	LatencyMS    LevelThresholds `yaml:"latency_ms"`
	Occurrences  Occurrences     `yaml:"occurrences"`
	ActiveWindow time.Duration   `yaml:"active_window"`
	Channels     []string        `yaml:"channels"` // log, store, database
}

// LevelThresholds are the warning and critical levels of one signal.
type LevelThresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// Occurrences is how many times an alert must repeat before it is dispatched.
type Occurrences struct {
	Info     int `yaml:"info"`
	Warning  int `yaml:"warning"`
	Error    int `yaml:"error"`
	Critical int `yaml:"critical"`
}

// ShutdownConfig holds shutdown coordinator settings.
type ShutdownConfig struct {
	MaxWait        time.Duration `yaml:"max_wait"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
}

// RedisConfig holds the shared external store connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DBConfig holds the business database connection. An empty host disables it.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a database host is configured.
func (db DBConfig) Enabled() bool {
	return db.Host != ""
}
