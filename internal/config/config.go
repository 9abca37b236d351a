// Package config handles configuration management with validation.
// The server reads configuration from environment variables only.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete runtime configuration.
type Config struct {
	Port    int    `mapstructure:"PORT"`
	BaseURL string `mapstructure:"BASE_URL"`
	Env     string `mapstructure:"ENV"`

	DBPath       string `mapstructure:"DB_PATH"`
	SessionsPath string `mapstructure:"SESSIONS_PATH"`

	UpstreamRequestTimeoutMS int `mapstructure:"UPSTREAM_REQUEST_TIMEOUT_MS"`
	UpstreamMaxRetries       int `mapstructure:"UPSTREAM_MAX_RETRIES"`
	UpstreamRetryDelayMS     int `mapstructure:"UPSTREAM_RETRY_DELAY_MS"`

	OrderStatusPollingIntervalMS int `mapstructure:"ORDER_STATUS_POLLING_INTERVAL_MS"`

	InstanceUpdateCron string `mapstructure:"INSTANCE_UPDATE_CRON"`
	HealthCheckCron    string `mapstructure:"HEALTH_CHECK_CRON"`
	AlertRetentionDays int    `mapstructure:"ALERT_RETENTION_DAYS"`

	SessionSecret   Secret `mapstructure:"SESSION_SECRET"`
	SessionMaxAgeMS int    `mapstructure:"SESSION_MAX_AGE_MS"`

	CORSOrigin string `mapstructure:"CORS_ORIGIN"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	TestMode  bool   `mapstructure:"TEST_MODE"`
	TestEmail string `mapstructure:"TEST_EMAIL"`

	TelegramBotToken Secret `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `mapstructure:"TELEGRAM_CHAT_ID"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", 3000)
	v.SetDefault("BASE_URL", "")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_PATH", "data/control_plane.db")
	v.SetDefault("SESSIONS_PATH", "data/sessions")
	v.SetDefault("UPSTREAM_REQUEST_TIMEOUT_MS", 15000)
	v.SetDefault("UPSTREAM_MAX_RETRIES", 3)
	v.SetDefault("UPSTREAM_RETRY_DELAY_MS", 2000)
	v.SetDefault("ORDER_STATUS_POLLING_INTERVAL_MS", 5000)
	v.SetDefault("INSTANCE_UPDATE_CRON", "*/2 * * * *")
	v.SetDefault("HEALTH_CHECK_CRON", "*/5 * * * *")
	v.SetDefault("ALERT_RETENTION_DAYS", 7)
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_MAX_AGE_MS", 86400000)
	v.SetDefault("CORS_ORIGIN", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TEST_MODE", false)
	v.SetDefault("TEST_EMAIL", "")
	v.SetDefault("TELEGRAM_BOT_TOKEN", "")
	v.SetDefault("TELEGRAM_CHAT_ID", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return ValidationError{Field: "PORT", Value: c.Port, Message: "must be a valid TCP port"}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(c.LogLevel)) {
		return ValidationError{
			Field:   "LOG_LEVEL",
			Value:   c.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}

	if c.UpstreamRequestTimeoutMS < 1000 {
		return ValidationError{
			Field:   "UPSTREAM_REQUEST_TIMEOUT_MS",
			Value:   c.UpstreamRequestTimeoutMS,
			Message: "must be at least 1000",
		}
	}

	if c.UpstreamMaxRetries < 0 || c.UpstreamMaxRetries > 10 {
		return ValidationError{
			Field:   "UPSTREAM_MAX_RETRIES",
			Value:   c.UpstreamMaxRetries,
			Message: "must be between 0 and 10",
		}
	}

	if c.OrderStatusPollingIntervalMS < 1000 {
		return ValidationError{
			Field:   "ORDER_STATUS_POLLING_INTERVAL_MS",
			Value:   c.OrderStatusPollingIntervalMS,
			Message: "must be at least 1000",
		}
	}

	if c.AlertRetentionDays < 1 {
		return ValidationError{
			Field:   "ALERT_RETENTION_DAYS",
			Value:   c.AlertRetentionDays,
			Message: "must be at least 1",
		}
	}

	if c.IsProduction() {
		if c.BaseURL == "" {
			return ValidationError{Field: "BASE_URL", Message: "required in production"}
		}
		if c.SessionSecret == "" {
			return ValidationError{Field: "SESSION_SECRET", Message: "required in production"}
		}
	}

	return nil
}

// IsProduction reports whether the server runs with production checks.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// UpstreamTimeout is the per-call deadline for broker requests.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamRequestTimeoutMS) * time.Millisecond
}

// UpstreamRetryDelay is the initial backoff between read retries.
func (c *Config) UpstreamRetryDelay() time.Duration {
	return time.Duration(c.UpstreamRetryDelayMS) * time.Millisecond
}

// AlertRetention is how long unresolved INFO alerts live before the
// daily cleanup resolves them.
func (c *Config) AlertRetention() time.Duration {
	return time.Duration(c.AlertRetentionDays) * 24 * time.Hour
}

// OrderPollInterval is the reconciler tick.
func (c *Config) OrderPollInterval() time.Duration {
	return time.Duration(c.OrderStatusPollingIntervalMS) * time.Millisecond
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
