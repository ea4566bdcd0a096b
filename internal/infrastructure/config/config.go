package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Fleet Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site          SiteConfig          `yaml:"site"`
	Database      DatabaseConfig      `yaml:"database"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Logging       LoggingConfig       `yaml:"logging"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Security      SecurityConfig      `yaml:"security"`
}

// SiteConfig identifies the fleet this instance manages.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
	// StatsInterval is how often work area gauges are written (seconds).
	StatsInterval int `yaml:"stats_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Output string            `yaml:"output"`
	File   FileLoggingConfig `yaml:"file"`
}

// FileLoggingConfig contains file-based logging settings, used when
// output is "file". Rotation is left to the host (logrotate copytruncate).
type FileLoggingConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig sizes the work areas that run fleet tasks.
type SchedulerConfig struct {
	// Workers is the number of worker goroutines per work area.
	Workers int `yaml:"workers"`

	// QueueCapacity bounds each area's task queue. 0 means unbounded.
	QueueCapacity int `yaml:"queue_capacity"`

	// ReorderWindowMS is how long a gap in device notification sequence
	// numbers may hide later notifications (milliseconds).
	ReorderWindowMS int `yaml:"reorder_window_ms"`

	// ReorderStartSeq is the sequence number expected first from a device.
	// 0 accepts whatever number arrives first.
	ReorderStartSeq uint64 `yaml:"reorder_start_seq"`

	// TaskRetention is how many finished tasks stay pollable in memory.
	TaskRetention int `yaml:"task_retention"`

	// ShutdownTimeout bounds how long running tasks get to finish (seconds).
	ShutdownTimeout int `yaml:"shutdown_timeout"`

	// HistoryRetentionDays is how long finished tasks stay in task_history.
	// 0 keeps them forever.
	HistoryRetentionDays int `yaml:"history_retention_days"`

	// BusyRetry is the backoff used by tasks that wait out a busy lock.
	BusyRetry BusyRetryConfig `yaml:"busy_retry"`
}

// BusyRetryConfig controls the busy-lock backoff.
type BusyRetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	BaseDelayMS int     `yaml:"base_delay_ms"`
	MaxDelayMS  int     `yaml:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier"`
	Jitter      float64 `yaml:"jitter"`
}

// NotificationsConfig contains device notification settings.
type NotificationsConfig struct {
	// ResyncOnGap submits a resync task when a notification is released
	// out of sequence.
	ResyncOnGap bool `yaml:"resync_on_gap"`

	// MaxPayloadSize is the largest notification payload accepted (bytes).
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// Issuer is set on minted tokens and required on incoming ones.
	Issuer string `yaml:"issuer"`
	// AccessTokenTTL is the lifetime of operator tokens (minutes).
	AccessTokenTTL int `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern FLEETCORE_SECTION_KEY; see
// envOverrides for the full list.
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "fleet-001",
			Name:     "Fleet Core",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/fleetcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
			StatsInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Scheduler: SchedulerConfig{
			Workers:              4,
			QueueCapacity:        256,
			ReorderWindowMS:      5000,
			ReorderStartSeq:      1,
			TaskRetention:        1000,
			ShutdownTimeout:      30,
			HistoryRetentionDays: 90,
			BusyRetry: BusyRetryConfig{
				MaxAttempts: 10,
				BaseDelayMS: 1000,
				MaxDelayMS:  30000,
				Multiplier:  2,
				Jitter:      0.2,
			},
		},
		Notifications: NotificationsConfig{
			ResyncOnGap:    true,
			MaxPayloadSize: 65536,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer:         "fleetcore",
				AccessTokenTTL: 60,
			},
		},
	}
}

// envOverride binds one FLEETCORE_* variable to a config field.
type envOverride struct {
	key   string
	apply func(cfg *Config, v string) error
}

func envString(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func envInt(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func envBool(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

// envOverrides lists the variables read after the YAML file. Secrets are
// here so they never need to live in config.yaml.
var envOverrides = []envOverride{
	{"FLEETCORE_SITE_ID", envString(func(c *Config) *string { return &c.Site.ID })},
	{"FLEETCORE_DATABASE_PATH", envString(func(c *Config) *string { return &c.Database.Path })},
	{"FLEETCORE_MQTT_HOST", envString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"FLEETCORE_MQTT_PORT", envInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"FLEETCORE_MQTT_USERNAME", envString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"FLEETCORE_MQTT_PASSWORD", envString(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"FLEETCORE_API_HOST", envString(func(c *Config) *string { return &c.API.Host })},
	{"FLEETCORE_API_PORT", envInt(func(c *Config) *int { return &c.API.Port })},
	{"FLEETCORE_INFLUXDB_ENABLED", envBool(func(c *Config) *bool { return &c.InfluxDB.Enabled })},
	{"FLEETCORE_INFLUXDB_TOKEN", envString(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"FLEETCORE_LOGGING_LEVEL", envString(func(c *Config) *string { return &c.Logging.Level })},
	{"FLEETCORE_SCHEDULER_WORKERS", envInt(func(c *Config) *int { return &c.Scheduler.Workers })},
	{"FLEETCORE_SCHEDULER_QUEUE_CAPACITY", envInt(func(c *Config) *int { return &c.Scheduler.QueueCapacity })},
	{"FLEETCORE_SCHEDULER_REORDER_WINDOW_MS", envInt(func(c *Config) *int { return &c.Scheduler.ReorderWindowMS })},
	{"FLEETCORE_JWT_SECRET", envString(func(c *Config) *string { return &c.Security.JWT.Secret })},
}

// applyEnvOverrides copies set FLEETCORE_* variables into cfg. Values that
// do not parse are reported, not skipped.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []string
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Sprintf("%s=%q: %v", o.key, v, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Site validation
	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// Logging validation
	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File.Path == "" {
		errs = append(errs, "logging.file.path is required when logging.output is file")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "mqtt.reconnect.max_attempts must not be negative (0 retries forever)")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Scheduler validation
	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be at least 1")
	}
	if c.Scheduler.QueueCapacity < 0 {
		errs = append(errs, "scheduler.queue_capacity must not be negative")
	}
	if c.Scheduler.ReorderWindowMS < 1 {
		errs = append(errs, "scheduler.reorder_window_ms must be positive")
	}
	if c.Scheduler.BusyRetry.MaxAttempts < 1 {
		errs = append(errs, "scheduler.busy_retry.max_attempts must be at least 1")
	}
	if c.Scheduler.BusyRetry.Multiplier < 1 {
		errs = append(errs, "scheduler.busy_retry.multiplier must be at least 1")
	}
	if j := c.Scheduler.BusyRetry.Jitter; j < 0 || j > 1 {
		errs = append(errs, "scheduler.busy_retry.jitter must be between 0 and 1")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// Security validation - JWT secret is REQUIRED
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set FLEETCORE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetReorderWindow returns the notification reorder window as a Duration.
func (c *Config) GetReorderWindow() time.Duration {
	return time.Duration(c.Scheduler.ReorderWindowMS) * time.Millisecond
}

// GetShutdownTimeout returns the scheduler shutdown timeout as a Duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Scheduler.ShutdownTimeout) * time.Second
}

// GetAccessTokenTTL returns the operator token lifetime as a Duration.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.Security.JWT.AccessTokenTTL) * time.Minute
}
