package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// RUNWATCH_RECONCILER_STALE_THRESHOLD=30s.
	EnvPrefix = "RUNWATCH"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultPollInterval is how often running tests are scanned.
	DefaultPollInterval = "60s"

	// DefaultStaleThreshold is how old a keep-alive may get before the
	// running test is finalized.
	DefaultStaleThreshold = "16s"

	// DefaultQueryTimeout bounds every individual database call.
	DefaultQueryTimeout = "10s"
)

// Config is the root configuration for runwatch.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Reconciler ReconcilerConfig `yaml:"reconciler" mapstructure:"reconciler"`
	Notifier   NotifierConfig   `yaml:"notifier" mapstructure:"notifier"`
	Archive    ArchiveConfig    `yaml:"archive" mapstructure:"archive"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver       string               `yaml:"driver" mapstructure:"driver"`
	QueryTimeout string               `yaml:"query_timeout,omitempty" mapstructure:"query_timeout"`
	SQLite       SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres     PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// ReconcilerConfig holds the staleness policy for running tests.
type ReconcilerConfig struct {
	PollInterval   string `yaml:"poll_interval" mapstructure:"poll_interval"`
	StaleThreshold string `yaml:"stale_threshold" mapstructure:"stale_threshold"`
	// MaxConcurrentFinalizes caps per-scan fan-out. Zero means unbounded.
	MaxConcurrentFinalizes int `yaml:"max_concurrent_finalizes" mapstructure:"max_concurrent_finalizes"`
}

// NotifierConfig selects where state transitions are broadcast. Every
// enabled backend receives every event.
type NotifierConfig struct {
	Log   LogNotifierConfig   `yaml:"log" mapstructure:"log"`
	Redis RedisNotifierConfig `yaml:"redis,omitempty" mapstructure:"redis"`
	Hub   HubNotifierConfig   `yaml:"hub,omitempty" mapstructure:"hub"`
}

// LogNotifierConfig writes events to the process log.
type LogNotifierConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// RedisNotifierConfig publishes events on Redis pub/sub channels named
// <channel_prefix>:<topic>.
type RedisNotifierConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Address       string `yaml:"address" mapstructure:"address"`
	Username      string `yaml:"username,omitempty" mapstructure:"username"`
	Password      string `yaml:"password,omitempty" mapstructure:"password"`
	DB            int    `yaml:"db" mapstructure:"db"`
	ChannelPrefix string `yaml:"channel_prefix,omitempty" mapstructure:"channel_prefix"`
}

// HubNotifierConfig keeps an in-process topic hub that the API streams
// to dashboard viewers.
type HubNotifierConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	BufferSize int  `yaml:"buffer_size,omitempty" mapstructure:"buffer_size"`
}

// ArchiveConfig copies every finalized test run to S3-compatible storage.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// APIConfig contains the read-only ops API settings.
type APIConfig struct {
	Enabled     bool            `yaml:"enabled" mapstructure:"enabled"`
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// defaults lists every known key. Viper only consults the environment for
// keys it knows about, so each leaf needs an entry here.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"database.driver":            "sqlite",
	"database.query_timeout":     DefaultQueryTimeout,
	"database.sqlite.path":       "runwatch.db",
	"database.postgres.host":     "localhost",
	"database.postgres.port":     5432,
	"database.postgres.user":     "",
	"database.postgres.password": "",
	"database.postgres.database": "runwatch",
	"database.postgres.ssl_mode": "disable",

	"reconciler.poll_interval":            DefaultPollInterval,
	"reconciler.stale_threshold":          DefaultStaleThreshold,
	"reconciler.max_concurrent_finalizes": 0,

	"notifier.log.enabled":          true,
	"notifier.redis.enabled":        false,
	"notifier.redis.address":        "localhost:6379",
	"notifier.redis.username":       "",
	"notifier.redis.password":       "",
	"notifier.redis.db":             0,
	"notifier.redis.channel_prefix": "runwatch",
	"notifier.hub.enabled":          false,
	"notifier.hub.buffer_size":      64,

	"archive.enabled":           false,
	"archive.endpoint_url":      "",
	"archive.region":            "us-east-1",
	"archive.bucket":            "",
	"archive.access_key_id":     "",
	"archive.secret_access_key": "",
	"archive.force_path_style":  false,
	"archive.prefix":            "testruns",

	"api.enabled":                        false,
	"api.listen":                         ":9090",
	"api.cors_origins":                   []string{},
	"api.rate_limit.enabled":             false,
	"api.rate_limit.requests_per_minute": 120,
}

// Load reads the given YAML files in order, later files overriding
// earlier ones, then applies RUNWATCH_* environment overrides. With no
// paths the configuration is built from defaults and the environment.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if _, err := c.Database.QueryTimeoutDuration(); err != nil {
		return err
	}

	poll, err := c.Reconciler.PollIntervalDuration()
	if err != nil {
		return err
	}

	if poll <= 0 {
		return fmt.Errorf("reconciler.poll_interval must be positive")
	}

	stale, err := c.Reconciler.StaleThresholdDuration()
	if err != nil {
		return err
	}

	if stale <= 0 {
		return fmt.Errorf("reconciler.stale_threshold must be positive")
	}

	if c.Reconciler.MaxConcurrentFinalizes < 0 {
		return fmt.Errorf("reconciler.max_concurrent_finalizes must not be negative")
	}

	if c.Notifier.Redis.Enabled && c.Notifier.Redis.Address == "" {
		return fmt.Errorf("notifier.redis.address is required when redis is enabled")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}

		if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("api.rate_limit.requests_per_minute must be positive")
		}
	}

	return nil
}

// QueryTimeoutDuration parses the per-call database timeout. An empty
// value disables the timeout.
func (c *DatabaseConfig) QueryTimeoutDuration() (time.Duration, error) {
	if c.QueryTimeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.QueryTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid database.query_timeout %q: %w", c.QueryTimeout, err)
	}

	return d, nil
}

// PollIntervalDuration parses the scan interval.
func (c *ReconcilerConfig) PollIntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid reconciler.poll_interval %q: %w", c.PollInterval, err)
	}

	return d, nil
}

// StaleThresholdDuration parses the keep-alive staleness threshold.
func (c *ReconcilerConfig) StaleThresholdDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.StaleThreshold)
	if err != nil {
		return 0, fmt.Errorf("invalid reconciler.stale_threshold %q: %w", c.StaleThreshold, err)
	}

	return d, nil
}
