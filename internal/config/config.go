package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config maps 1:1 to environment variables. A .env file in the working
// directory is read when present; real environment variables win.
type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SupabaseURL string `mapstructure:"SUPABASE_URL"`
	SupabaseKey string `mapstructure:"SUPABASE_KEY"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	QueuePath           string        `mapstructure:"QUEUE_PATH"`
	FlushSchedule       string        `mapstructure:"FLUSH_SCHEDULE"`
	FlushBatchSize      int           `mapstructure:"FLUSH_BATCH_SIZE"`
	RetryMaxAttempts    int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialBackoff time.Duration `mapstructure:"RETRY_INITIAL_BACKOFF"`
	RetryMaxBackoff     time.Duration `mapstructure:"RETRY_MAX_BACKOFF"`

	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
}

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Unmarshal only sees keys viper knows about, so every key gets a default.
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SUPABASE_URL", "")
	v.SetDefault("SUPABASE_KEY", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("QUEUE_PATH", "data/queue.db")
	v.SetDefault("FLUSH_SCHEDULE", "@every 30s")
	v.SetDefault("FLUSH_BATCH_SIZE", 500)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 8)
	v.SetDefault("RETRY_INITIAL_BACKOFF", "5s")
	v.SetDefault("RETRY_MAX_BACKOFF", "30m")
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)

	// Optional; a missing file is not an error.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.SupabaseURL = strings.TrimRight(strings.TrimSpace(cfg.SupabaseURL), "/")
	if cfg.AccessTokenTTLMinutes < 1 {
		cfg.AccessTokenTTLMinutes = 480
	}
	if cfg.FlushBatchSize < 0 {
		cfg.FlushBatchSize = 0
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 8
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}
