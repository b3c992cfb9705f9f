// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Event feed
	StreamURL          string
	APIKey             string
	InsecureSkipVerify bool // some feed deployments serve a self-signed cert
	Workers            int
	FeedBackoffSeed    time.Duration
	FeedBackoffMax     time.Duration
	FeedMaxAttempts    int
	FeedIdleTimeout    time.Duration

	// Entity state store (in-memory when RedisAddr is empty)
	RedisAddr string

	// Audit persistence (in-memory when DatabaseURL is empty)
	DatabaseURL string

	// Scoring
	ModelPath      string
	EncodingsPath  string // JSON encoding table; Redis hashes used when empty and Redis is configured
	FraudThreshold float64

	// Flag notification endpoint
	FlagURL       string
	NotifyTimeout time.Duration
	NotifyQueue   int
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultWorkers        = 8
	DefaultBackoffSeed    = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultMaxAttempts    = 10
	DefaultIdleTimeout    = 90 * time.Second
	DefaultNotifyTimeout  = 5 * time.Second
	DefaultNotifyQueue    = 256
	DefaultFraudThreshold = 0.5
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		StreamURL:          os.Getenv("STREAM_URL"), // Required
		APIKey:             os.Getenv("API_KEY"),
		InsecureSkipVerify: getEnvBool("INSECURE_SKIP_VERIFY", false),
		Workers:            getEnvInt("WORKERS", DefaultWorkers),
		FeedBackoffSeed:    getEnvDuration("FEED_BACKOFF_SEED", DefaultBackoffSeed),
		FeedBackoffMax:     getEnvDuration("FEED_BACKOFF_MAX", DefaultBackoffMax),
		FeedMaxAttempts:    getEnvInt("FEED_MAX_ATTEMPTS", DefaultMaxAttempts),
		FeedIdleTimeout:    getEnvDuration("FEED_IDLE_TIMEOUT", DefaultIdleTimeout),
		RedisAddr:          os.Getenv("REDIS_ADDR"),   // Optional, uses in-memory if not set
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ModelPath:          os.Getenv("MODEL_PATH"),   // Optional, degrades to always-legitimate
		EncodingsPath:      os.Getenv("ENCODINGS_PATH"),
		FraudThreshold:     getEnvFloat("FRAUD_THRESHOLD", DefaultFraudThreshold),
		FlagURL:            os.Getenv("FLAG_URL"),
		NotifyTimeout:      getEnvDuration("NOTIFY_TIMEOUT", DefaultNotifyTimeout),
		NotifyQueue:        getEnvInt("NOTIFY_QUEUE", DefaultNotifyQueue),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StreamURL == "" {
		return fmt.Errorf("STREAM_URL is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.FraudThreshold < 0 || c.FraudThreshold > 1 {
		return fmt.Errorf("FRAUD_THRESHOLD must be in [0,1], got %g", c.FraudThreshold)
	}
	if c.FeedBackoffSeed <= 0 || c.FeedBackoffMax < c.FeedBackoffSeed {
		return fmt.Errorf("feed backoff window invalid: seed %s, max %s", c.FeedBackoffSeed, c.FeedBackoffMax)
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
