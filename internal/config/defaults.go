package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerHost         = "0.0.0.0"
	DefaultServerPort         = 8090
	DefaultServerPath         = "/ws"
	DefaultServerHealthPath   = "/ws/health"
	DefaultSweepInterval      = 30 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultMaxRetries         = 5
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 100
	DefaultFlushInterval      = 1 * time.Second
)

func (c *RealtimeConfig) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.Path == "" {
		c.Server.Path = DefaultServerPath
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = DefaultServerHealthPath
	}
	if c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = DefaultSweepInterval
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}

	// Client defaults
	if c.Client.MaxRetries == 0 {
		c.Client.MaxRetries = DefaultMaxRetries
	}
	if c.Client.ReconnectBaseDelay == 0 {
		c.Client.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Client.ReconnectMaxDelay == 0 {
		c.Client.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Client.HeartbeatInterval == 0 {
		c.Client.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Client.HandshakeTimeout == 0 {
		c.Client.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Client.WriteTimeout == 0 {
		c.Client.WriteTimeout = DefaultWriteTimeout
	}

	// Database defaults
	applyDBDefaults(&c.Database.Postgres)

	// Notifier defaults
	if c.Notifier.BatchSize == 0 {
		c.Notifier.BatchSize = DefaultBatchSize
	}
	if c.Notifier.FlushInterval == 0 {
		c.Notifier.FlushInterval = DefaultFlushInterval
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
