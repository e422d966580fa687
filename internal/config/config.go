package config

import "time"

// RealtimeConfig is the root configuration for the realtime service.
type RealtimeConfig struct {
	Instance InstanceConfig `yaml:"instance"`
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Database DatabaseConfig `yaml:"database"`
	Notifier NotifierConfig `yaml:"notifier"`
}

// InstanceConfig identifies this service instance.
type InstanceConfig struct {
	ID  string `yaml:"id"`
	Env string `yaml:"env"`
}

// ServerConfig holds connection registry settings.
type ServerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Path          string        `yaml:"path"`
	HealthPath    string        `yaml:"health_path"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// ClientConfig holds connection manager settings for outbound clients.
type ClientConfig struct {
	URL                string        `yaml:"url"`
	MaxRetries         int           `yaml:"max_retries"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig holds the PostgreSQL connection for the notification
// audit trail.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
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

// NotifierConfig holds notification publisher settings.
type NotifierConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}
