package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *RealtimeConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Path == c.Server.HealthPath {
		return errors.New("server.path and server.health_path must differ")
	}
	if c.Server.SweepInterval <= 0 {
		return errors.New("server.sweep_interval must be positive")
	}

	if c.Client.MaxRetries < 0 {
		return errors.New("client.max_retries must be >= 0")
	}
	if c.Client.ReconnectBaseDelay <= 0 {
		return errors.New("client.reconnect_base_delay must be positive")
	}
	if c.Client.ReconnectMaxDelay < c.Client.ReconnectBaseDelay {
		return errors.New("client.reconnect_max_delay must be >= client.reconnect_base_delay")
	}
	if c.Client.HeartbeatInterval <= 0 {
		return errors.New("client.heartbeat_interval must be positive")
	}

	if err := c.Database.Postgres.validate("database.postgres"); err != nil {
		return err
	}

	if c.Notifier.BatchSize < 1 {
		return errors.New("notifier.batch_size must be >= 1")
	}
	if c.Notifier.FlushInterval <= 0 {
		return errors.New("notifier.flush_interval must be positive")
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
		return fmt.Errorf("%s.min_conns must be <= %s.max_conns", prefix, prefix)
	}
	return nil
}
