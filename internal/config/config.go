// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Job       JobConfig       `mapstructure:"job"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Health    HealthConfig    `mapstructure:"health"`
	Search    SearchConfig    `mapstructure:"search"`
	DB        DBConfig        `mapstructure:"db"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// JobConfig governs the retry budget applied to new download jobs.
type JobConfig struct {
	MaxRetries          int `mapstructure:"max_retries"`
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"`
}

// SchedulerConfig paces the retry dispatch loop.
type SchedulerConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

// HealthConfig sets circuit breaker policy for sources.
type HealthConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	OpenSeconds      int `mapstructure:"open_seconds"`
}

// SearchConfig bounds how long fan-out searches wait for sources.
type SearchConfig struct {
	TimeoutSeconds          int `mapstructure:"timeout_seconds"`
	AudiobookTimeoutSeconds int `mapstructure:"audiobook_timeout_seconds"`
}

// DBConfig controls access to the relational database. Driver "memory"
// selects the in-process repository for development.
type DBConfig struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxConns           int    `mapstructure:"max_conns"`
	MinConns           int    `mapstructure:"min_conns"`
	ConnLifetimeMinute int    `mapstructure:"conn_lifetime_minutes"`
}

// TelemetryConfig configures lifecycle event delivery.
type TelemetryConfig struct {
	BufferSize            int      `mapstructure:"buffer_size"`
	WebhookURLs           []string `mapstructure:"webhook_urls"`
	WebhookSecret         string   `mapstructure:"webhook_secret"`
	WebhookTimeoutSeconds int      `mapstructure:"webhook_timeout_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig sets per-identity request budgets per window. Zero
// limits fall back to the limiter defaults.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	WindowSeconds int  `mapstructure:"window_seconds"`
	Default       int  `mapstructure:"default"`
	API           int  `mapstructure:"api"`
	Search        int  `mapstructure:"search"`
	Download      int  `mapstructure:"download"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIBRARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("job.max_retries", 2)
	v.SetDefault("job.retry_backoff_seconds", 60)
	v.SetDefault("scheduler.poll_interval_seconds", 2)
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.open_seconds", 300)
	v.SetDefault("search.timeout_seconds", 35)
	v.SetDefault("search.audiobook_timeout_seconds", 60)
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("telemetry.buffer_size", 1024)
	v.SetDefault("telemetry.webhook_timeout_seconds", 5)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.default", 600)
	v.SetDefault("ratelimit.api", 300)
	v.SetDefault("ratelimit.search", 120)
	v.SetDefault("ratelimit.download", 60)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Job.MaxRetries < 0 {
		return fmt.Errorf("job.max_retries must be >= 0")
	}
	if c.Job.RetryBackoffSeconds <= 0 {
		return fmt.Errorf("job.retry_backoff_seconds must be > 0")
	}
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.poll_interval_seconds must be > 0")
	}
	if c.Health.FailureThreshold <= 0 {
		return fmt.Errorf("health.failure_threshold must be > 0")
	}
	if c.Health.OpenSeconds <= 0 {
		return fmt.Errorf("health.open_seconds must be > 0")
	}
	if c.Search.TimeoutSeconds <= 0 || c.Search.AudiobookTimeoutSeconds <= 0 {
		return fmt.Errorf("search timeouts must be > 0")
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	default:
		return fmt.Errorf("db.driver must be memory or postgres")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be > 0")
	}
	return nil
}

// Durations derived from the integer-second knobs.

func (c Config) RetryBackoff() time.Duration {
	return time.Duration(c.Job.RetryBackoffSeconds) * time.Second
}

func (c Config) SchedulerPollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

func (c Config) CircuitOpenFor() time.Duration {
	return time.Duration(c.Health.OpenSeconds) * time.Second
}

func (c Config) SearchTimeout() time.Duration {
	return time.Duration(c.Search.TimeoutSeconds) * time.Second
}

func (c Config) AudiobookSearchTimeout() time.Duration {
	return time.Duration(c.Search.AudiobookTimeoutSeconds) * time.Second
}

func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.Telemetry.WebhookTimeoutSeconds) * time.Second
}

func (c Config) ConnLifetime() time.Duration {
	return time.Duration(c.DB.ConnLifetimeMinute) * time.Minute
}

func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}
