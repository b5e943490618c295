package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence and use the COVE_ prefix with underscores for nesting,
// e.g. COVE_DATABASE_URL, COVE_QUEUE_BATCH_LIMIT.
//
// Returns a populated Config or an error if loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars alone can carry the
		// required settings.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("COVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not bind keys that only exist as env vars, so bind
	// every known key explicitly.
	for _, key := range configKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("queue.batch_limit", 25)
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.base_delay", time.Second)
	v.SetDefault("queue.max_backoff", 5*time.Minute)
	v.SetDefault("queue.run_deadline", 3*time.Minute)
	v.SetDefault("queue.stale_age", 10*time.Minute)
	v.SetDefault("queue.poll_interval", "@every 15s")

	v.SetDefault("quota.window", time.Minute)
	v.SetDefault("quota.limit", 5)
	v.SetDefault("quota.rate_limit_delay", 15*time.Second)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.embedding_model", "text-embedding-004")
}

func configKeys() []string {
	return []string{
		"server.port",
		"server.log_level",
		"database.url",
		"queue.batch_limit",
		"queue.concurrency",
		"queue.max_attempts",
		"queue.base_delay",
		"queue.max_backoff",
		"queue.run_deadline",
		"queue.stale_age",
		"queue.poll_interval",
		"quota.window",
		"quota.limit",
		"quota.rate_limit_delay",
		"auth.jwt_secret",
		"llm.gemini_api_key",
		"llm.model_name",
		"llm.embedding_model",
	}
}
