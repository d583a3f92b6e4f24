package config

import "time"

type Config struct {
	App           AppConfig           `mapstructure:"app"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	OCPP          OCPPConfig          `mapstructure:"ocpp"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Queue         QueueConfig         `mapstructure:"queue"`
	OpenTelemetry OpenTelemetryConfig `mapstructure:"opentelemetry"`
	Prometheus    PrometheusConfig    `mapstructure:"prometheus"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig covers the operator-facing HTTP server (health, metrics).
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type OCPPConfig struct {
	Port              int                   `mapstructure:"port"`
	PathPrefix        string                `mapstructure:"path_prefix"`
	HeartbeatInterval time.Duration         `mapstructure:"heartbeat_interval"`
	CommandDelay      time.Duration         `mapstructure:"command_delay"`
	ReplyTimeout      time.Duration         `mapstructure:"reply_timeout"`
	ShutdownGrace     time.Duration         `mapstructure:"shutdown_grace"`
	AutoRemoteStart   AutoRemoteStartConfig `mapstructure:"auto_remote_start"`
}

// AutoRemoteStartConfig controls the plug-and-charge behavior: a connector
// reporting Preparing triggers a RemoteStartTransaction with the given idTag.
type AutoRemoteStartConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	IDTag   string `mapstructure:"id_tag"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// QueueConfig selects the broker the audit stream publishes on. Driver is
// "nats", "rabbitmq" or "none".
type QueueConfig struct {
	Driver       string `mapstructure:"driver"`
	URL          string `mapstructure:"url"`
	AuditSubject string `mapstructure:"audit_subject"`
}

type OpenTelemetryConfig struct {
	Enabled     bool         `mapstructure:"enabled"`
	Jaeger      JaegerConfig `mapstructure:"jaeger"`
	ServiceName string       `mapstructure:"service_name"`
}

type JaegerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
