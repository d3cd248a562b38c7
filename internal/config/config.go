// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL        string // Balance cache (optional, uses in-memory if not set)
	BalanceCacheTTL time.Duration

	// Webhook sources
	ClerkWebhookSecret  string // Svix signing secret (whsec_...)
	StripeWebhookSecret string

	// Upstream realtime providers
	OpenAIAPIKey           string
	CometAPIKey            string
	DefaultProvider        string
	UpstreamConnectTimeout time.Duration

	// Usage analytics buffer
	UsageFlushSize     int
	UsageFlushInterval time.Duration
	UsageMaxBuffer     int
	SnowflakeNode      int64

	// Security
	AdminSecret    string
	RateLimitRPM   int
	AllowedOrigins []string

	// Background jobs
	ReconcileInterval time.Duration

	// Tracing
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultProvider               = "openai"
	DefaultBalanceCacheTTL        = 300 * time.Second
	DefaultUpstreamConnectTimeout = 10 * time.Second
	DefaultUsageFlushSize         = 50
	DefaultUsageFlushInterval     = 30 * time.Second
	DefaultUsageMaxBuffer         = 500
	DefaultRateLimitRPM           = 120
	DefaultReconcileInterval      = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		BalanceCacheTTL:        getEnvDuration("BALANCE_CACHE_TTL", DefaultBalanceCacheTTL),
		ClerkWebhookSecret:     os.Getenv("CLERK_WEBHOOK_SECRET"),
		StripeWebhookSecret:    os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OpenAIAPIKey:           os.Getenv("OPENAI_API_KEY"),
		CometAPIKey:            os.Getenv("COMET_API_KEY"),
		DefaultProvider:        getEnv("DEFAULT_PROVIDER", DefaultProvider),
		UpstreamConnectTimeout: getEnvDuration("UPSTREAM_CONNECT_TIMEOUT", DefaultUpstreamConnectTimeout),
		UsageFlushSize:         getEnvInt("USAGE_FLUSH_SIZE", DefaultUsageFlushSize),
		UsageFlushInterval:     getEnvDuration("USAGE_FLUSH_INTERVAL", DefaultUsageFlushInterval),
		UsageMaxBuffer:         getEnvInt("USAGE_MAX_BUFFER", DefaultUsageMaxBuffer),
		SnowflakeNode:          int64(getEnvInt("SNOWFLAKE_NODE", 1)),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:           getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		AllowedOrigins:         getEnvList("ALLOWED_ORIGINS"),
		ReconcileInterval:      getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	switch c.DefaultProvider {
	case "openai", "comet":
	default:
		return fmt.Errorf("DEFAULT_PROVIDER must be one of openai, comet (got %q)", c.DefaultProvider)
	}
	if c.UsageFlushSize <= 0 {
		return fmt.Errorf("USAGE_FLUSH_SIZE must be positive")
	}
	if c.UsageMaxBuffer < c.UsageFlushSize {
		return fmt.Errorf("USAGE_MAX_BUFFER must be >= USAGE_FLUSH_SIZE")
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		return fmt.Errorf("SNOWFLAKE_NODE must be between 0 and 1023")
	}
	if c.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_CONNECT_TIMEOUT must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.ClerkWebhookSecret == "" && c.StripeWebhookSecret == "" {
			return fmt.Errorf("at least one of CLERK_WEBHOOK_SECRET, STRIPE_WEBHOOK_SECRET is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
