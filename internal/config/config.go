// Package config loads and validates application configuration from the
// environment and optional config files.
package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue"    validate:"required"`
	Quota    QuotaConfig    `mapstructure:"quota"    validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"      validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// QueueConfig tunes the dispatcher and retry policy.
type QueueConfig struct {
	// BatchLimit caps how many queued jobs one run cycle claims.
	BatchLimit int `mapstructure:"batch_limit" validate:"required,gt=0,lte=500"`

	// Concurrency bounds how many handlers one run executes at a time.
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0,lte=32"`

	// MaxAttempts is the retry budget for genuine transient failures.
	MaxAttempts int `mapstructure:"max_attempts" validate:"required,gt=0,lte=20"`

	// BaseDelay seeds the exponential backoff between retries.
	BaseDelay time.Duration `mapstructure:"base_delay" validate:"required"`

	// MaxBackoff caps the computed retry delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff" validate:"required"`

	// RunDeadline bounds the wall-clock time of one whole run cycle.
	RunDeadline time.Duration `mapstructure:"run_deadline" validate:"required"`

	// StaleAge is how long a job may sit in processing before a later run
	// treats it as abandoned and re-queues it.
	StaleAge time.Duration `mapstructure:"stale_age" validate:"required"`

	// PollInterval is the cron spec driving periodic run cycles,
	// e.g. "@every 15s".
	PollInterval string `mapstructure:"poll_interval" validate:"required"`
}

// QuotaConfig bounds per-user AI usage inside a rolling window.
type QuotaConfig struct {
	Window time.Duration `mapstructure:"window" validate:"required"`
	Limit  int           `mapstructure:"limit"  validate:"required,gt=0"`

	// RateLimitDelay is the short fixed re-queue delay for jobs denied by
	// the quota ledger; the condition clears predictably when the window
	// rolls, so exponential backoff would only add latency.
	RateLimitDelay time.Duration `mapstructure:"rate_limit_delay" validate:"required"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey   string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName      string `mapstructure:"model_name"     validate:"required"`
	EmbeddingModel string `mapstructure:"embedding_model" validate:"required"`
}
