// Package config loads and validates collector configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all collector configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. postgres:// URLs open a PostgreSQL pool; anything
	// else is a SQLite file path.
	DatabaseURL string

	// APIKey, when set, is required as a bearer token on ingest requests.
	APIKey string

	// Ingest rate limit, per client IP. Zero RPS disables limiting.
	RateLimitRPS   float64 // sustained requests per second
	RateLimitBurst int     // token bucket capacity

	// Export buffer settings.
	BufferSize    int           // batch size that triggers a flush
	FlushInterval time.Duration // upper bound on how long a trace sits buffered

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	ShutdownTimeout     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("KISEKI_PORT", 8326),
		ReadTimeout:         envDuration("KISEKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("KISEKI_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("KISEKI_DATABASE_URL", "kiseki.db"),
		APIKey:              envStr("KISEKI_API_KEY", ""),
		RateLimitRPS:        envFloat("KISEKI_RATE_LIMIT_RPS", 0),
		RateLimitBurst:      envInt("KISEKI_RATE_LIMIT_BURST", 100),
		BufferSize:          envInt("KISEKI_BUFFER_SIZE", 64),
		FlushInterval:       envDuration("KISEKI_FLUSH_INTERVAL", time.Second),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "kiseki"),
		LogLevel:            envStr("KISEKI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("KISEKI_MAX_REQUEST_BODY_BYTES", 4*1024*1024)), // 4 MB default
		ShutdownTimeout:     envDuration("KISEKI_SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: KISEKI_DATABASE_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: KISEKI_PORT must be a valid port")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("config: KISEKI_BUFFER_SIZE must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: KISEKI_FLUSH_INTERVAL must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: KISEKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("config: KISEKI_RATE_LIMIT_RPS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: KISEKI_RATE_LIMIT_BURST must be positive when limiting is enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
