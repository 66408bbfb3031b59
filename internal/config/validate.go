package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Workers.Min < 1 {
		return errors.New("workers.min must be >= 1")
	}
	if c.Workers.Max < c.Workers.Min {
		return fmt.Errorf("workers.min (%d) cannot exceed workers.max (%d)", c.Workers.Min, c.Workers.Max)
	}
	if c.Workers.MaxConnections < 1 {
		return errors.New("workers.max_connections must be >= 1")
	}
	if c.Workers.TickInterval <= 0 {
		return errors.New("workers.tick_interval must be > 0")
	}
	w := c.Workers.LoadWeights
	if w.Connections < 0 || w.Memory < 0 || w.Errors < 0 {
		return errors.New("workers.load_weights must be non-negative")
	}
	if w.Connections == 0 {
		return errors.New("workers.load_weights.connections must be > 0")
	}

	if c.Scaling.UpThreshold <= c.Scaling.DownThreshold {
		return fmt.Errorf("scaling.up_threshold (%v) must exceed scaling.down_threshold (%v)",
			c.Scaling.UpThreshold, c.Scaling.DownThreshold)
	}
	if c.Scaling.UpThreshold > 1 || c.Scaling.DownThreshold < 0 {
		return errors.New("scaling thresholds must be within [0, 1]")
	}

	if c.Rebalance.MaxLoadRatio <= 1 {
		return errors.New("rebalance.max_load_ratio must be > 1")
	}
	if c.Rebalance.MinLoadRatio <= 0 || c.Rebalance.MinLoadRatio >= 1 {
		return errors.New("rebalance.min_load_ratio must be within (0, 1)")
	}
	if c.Rebalance.ConnectionBuffer <= 0 || c.Rebalance.ConnectionBuffer > 1 {
		return errors.New("rebalance.connection_buffer must be within (0, 1]")
	}
	if c.Rebalance.MaxSteps < 1 {
		return errors.New("rebalance.max_steps must be >= 1")
	}

	if c.Admission.MaxRequests < 1 {
		return errors.New("admission.max_requests must be >= 1")
	}
	if c.Admission.RateWindow <= 0 {
		return errors.New("admission.rate_window must be > 0")
	}
	if c.Admission.AcceptRate < 0 {
		return errors.New("admission.accept_rate must be >= 0")
	}

	if c.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	if c.Backoff.Factor < 1 {
		return errors.New("backoff.factor must be >= 1")
	}

	if c.Metrics.CollectionInterval <= 0 {
		return errors.New("metrics.collection_interval must be > 0")
	}
	for i, agg := range c.Metrics.Aggregations {
		if agg.Interval <= 0 {
			return fmt.Errorf("metrics.aggregations[%d].interval must be > 0", i)
		}
		if agg.Retention < agg.Interval {
			return fmt.Errorf("metrics.aggregations[%d].retention must be >= interval", i)
		}
	}

	o := c.Alerts.Occurrences
	if o.Info < 1 || o.Warning < 1 || o.Error < 1 || o.Critical < 1 {
		return errors.New("alerts.occurrences must all be >= 1")
	}
	if o.Critical != 1 {
		return fmt.Errorf("alerts.occurrences.critical must be 1, got %d", o.Critical)
	}
	for _, ch := range c.Alerts.Channels {
		switch ch {
		case "log", "store":
		case "database":
			if !c.Database.Enabled() {
				return errors.New("alerts.channels includes database but database.host is empty")
			}
		default:
			return fmt.Errorf("alerts.channels: unknown channel %q", ch)
		}
	}

	if c.Shutdown.MaxWait <= 0 {
		return errors.New("shutdown.max_wait must be > 0")
	}
	if c.Shutdown.PollInterval <= 0 {
		return errors.New("shutdown.poll_interval must be > 0")
	}

	if c.Database.Enabled() {
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
