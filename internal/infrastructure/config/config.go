package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Gatelink.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Queue     QueueConfig     `yaml:"queue"`
	Cache     CacheConfig     `yaml:"cache"`
	Events    EventsConfig    `yaml:"events"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Security  SecurityConfig  `yaml:"security"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBufferSize int    `yaml:"send_buffer_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// OAuthConfig contains settings for the upstream token issuer.
type OAuthConfig struct {
	// TokenURL is the issuer's token endpoint.
	TokenURL string `yaml:"token_url"`

	// RevokeURL is the issuer's revocation endpoint (optional).
	RevokeURL string `yaml:"revoke_url"`

	// ClientID and ClientSecret identify this installation to the issuer.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// RedirectURL is the registered redirect target for the authorization flow.
	RedirectURL string `yaml:"redirect_url"`

	// RefreshSkewSeconds is how long before expiry a token is proactively
	// refreshed. Default: 300.
	RefreshSkewSeconds int `yaml:"refresh_skew_seconds"`

	// RefreshMaxAttempts bounds the retry cycle for a single refresh.
	// Default: 3.
	RefreshMaxAttempts int `yaml:"refresh_max_attempts"`

	// RefreshBackoffSeconds is the base delay between refresh retries,
	// doubled on each attempt (30s -> 60s -> 120s). Default: 30.
	RefreshBackoffSeconds int `yaml:"refresh_backoff_seconds"`

	// AttemptTimeoutSeconds bounds a single issuer call. Default: 15.
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`

	// SweepIntervalSeconds is how often the background sweep proactively
	// refreshes credentials nearing expiry. Default: 3600.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// FallbackToken is an optional static long-lived token used when no
	// refreshable credential exists. It has no auto-refresh; every use is
	// logged at warning level.
	FallbackToken string `yaml:"fallback_token"`
}

// WebhookConfig contains inbound webhook verification settings.
type WebhookConfig struct {
	// Secret is the shared secret used to verify envelope signatures.
	Secret string `yaml:"secret"`

	// MasterSecret is the long-lived secret the credential encryption key
	// is derived from. Never logged.
	MasterSecret string `yaml:"master_secret"`

	// KeySalt is the derivation salt for the encryption key.
	KeySalt string `yaml:"key_salt"`
}

// QueueConfig contains durable queue settings.
type QueueConfig struct {
	// Workers is the fixed worker pool size. Default: 4.
	Workers int `yaml:"workers"`

	// MaxAttempts before a job is dead-lettered. Default: 5.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffSeconds is the base retry delay, doubled per attempt. Default: 5.
	BackoffSeconds int `yaml:"backoff_seconds"`

	// PollIntervalSeconds is how often idle workers poll for jobs. Default: 1.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// StaleAfterSeconds is how long an in-flight job may run before startup
	// recovery requeues it. Default: 300.
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
}

// CacheConfig contains device state cache settings.
type CacheConfig struct {
	// TTLSeconds is how long a cached state entry stays fresh. Default: 60.
	TTLSeconds int `yaml:"ttl_seconds"`

	// Capacity is the LRU bound. Default: 1024.
	Capacity int `yaml:"capacity"`
}

// EventsConfig contains event store settings.
type EventsConfig struct {
	// RetentionDays is the retention horizon for stored events. Default: 30.
	RetentionDays int `yaml:"retention_days"`

	// GapThresholdSeconds is the inter-event gap above which a gap is
	// reported in query metadata. Default: 300.
	GapThresholdSeconds int `yaml:"gap_threshold_seconds"`

	// SweepIntervalSeconds is how often the retention sweep runs.
	// Default: 3600.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// MQTTConfig contains the optional MQTT egress settings.
// When enabled, every appended event is republished to the broker.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
	Retained bool   `yaml:"retained"`
	// TopicPrefix is prepended to event topics: {prefix}/events/{device_id}
	TopicPrefix string `yaml:"topic_prefix"`
}

// InfluxDBConfig contains the optional telemetry sink settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// SecurityConfig contains consumer-facing API security settings.
type SecurityConfig struct {
	JWT      JWTConfig      `yaml:"jwt"`
	Consumer ConsumerConfig `yaml:"consumer"`
}

// ConsumerConfig identifies the local consumer account for the read API.
// Login is rejected until both fields are set.
type ConsumerConfig struct {
	Username string `yaml:"username"`

	// PasswordHash is an Argon2id PHC string
	// ($argon2id$v=19$m=65536,t=3,p=1$<salt>$<hash>). Plaintext passwords
	// are never stored in configuration.
	PasswordHash string `yaml:"password_hash"`
}

// JWTConfig contains JWT token settings for the consumer read API.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GATELINK_SECTION_KEY
// For example: GATELINK_DATABASE_PATH, GATELINK_WEBHOOK_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/gatelink.db",
			WALMode:     true,
			BusyTimeout: 5,
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
			SendBufferSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		OAuth: OAuthConfig{
			RefreshSkewSeconds:    300,
			RefreshMaxAttempts:    3,
			RefreshBackoffSeconds: 30,
			AttemptTimeoutSeconds: 15,
			SweepIntervalSeconds:  3600,
		},
		Queue: QueueConfig{
			Workers:             4,
			MaxAttempts:         5,
			BackoffSeconds:      5,
			PollIntervalSeconds: 1,
			StaleAfterSeconds:   300,
		},
		Cache: CacheConfig{
			TTLSeconds: 60,
			Capacity:   1024,
		},
		Events: EventsConfig{
			RetentionDays:        30,
			GapThresholdSeconds:  300,
			SweepIntervalSeconds: 3600,
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "gatelink",
			QoS:         1,
			TopicPrefix: "gatelink",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GATELINK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATELINK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GATELINK_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GATELINK_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Secrets: always override in production
	if v := os.Getenv("GATELINK_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("GATELINK_MASTER_SECRET"); v != "" {
		cfg.Webhook.MasterSecret = v
	}
	if v := os.Getenv("GATELINK_OAUTH_CLIENT_ID"); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := os.Getenv("GATELINK_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.OAuth.ClientSecret = v
	}
	if v := os.Getenv("GATELINK_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("GATELINK_CONSUMER_USERNAME"); v != "" {
		cfg.Security.Consumer.Username = v
	}
	if v := os.Getenv("GATELINK_CONSUMER_PASSWORD_HASH"); v != "" {
		cfg.Security.Consumer.PasswordHash = v
	}
	if v := os.Getenv("GATELINK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("GATELINK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// The webhook secret authenticates the upstream platform. An empty
	// secret would let anyone inject device events.
	if c.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required (set GATELINK_WEBHOOK_SECRET environment variable)")
	}

	// The master secret protects stored credentials at rest. Weak secrets
	// make the encrypted vault trivially recoverable.
	const minMasterSecretLength = 32
	if c.Webhook.MasterSecret == "" {
		errs = append(errs, "webhook.master_secret is required (set GATELINK_MASTER_SECRET environment variable)")
	} else if len(c.Webhook.MasterSecret) < minMasterSecretLength {
		errs = append(errs, "webhook.master_secret must be at least 32 characters")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GATELINK_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	// A half-configured consumer account would silently disable login.
	if (c.Security.Consumer.Username == "") != (c.Security.Consumer.PasswordHash == "") {
		errs = append(errs, "security.consumer.username and security.consumer.password_hash must be set together")
	}

	if c.OAuth.TokenURL == "" {
		errs = append(errs, "oauth.token_url is required")
	}
	if c.OAuth.RefreshSkewSeconds < 0 {
		errs = append(errs, "oauth.refresh_skew_seconds must not be negative")
	}

	if c.Queue.Workers < 1 {
		errs = append(errs, "queue.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be at least 1")
	}

	if c.Cache.Capacity < 1 {
		errs = append(errs, "cache.capacity must be at least 1")
	}

	if c.Events.RetentionDays < 1 {
		errs = append(errs, "events.retention_days must be at least 1")
	}
	if c.Events.GapThresholdSeconds < 1 {
		errs = append(errs, "events.gap_threshold_seconds must be at least 1")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
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

// RefreshSkew returns the token refresh safety margin as a Duration.
func (c *Config) RefreshSkew() time.Duration {
	return time.Duration(c.OAuth.RefreshSkewSeconds) * time.Second
}

// EventRetention returns the event retention horizon as a Duration.
func (c *Config) EventRetention() time.Duration {
	return time.Duration(c.Events.RetentionDays) * 24 * time.Hour
}

// GapThreshold returns the event gap reporting threshold as a Duration.
func (c *Config) GapThreshold() time.Duration {
	return time.Duration(c.Events.GapThresholdSeconds) * time.Second
}

// CacheTTL returns the state cache freshness window as a Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
