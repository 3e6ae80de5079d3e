// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Backend API
	APIBaseURL string // GloVendor backend base URL (required)

	// Session store
	RedisURL string // Redis connection URL (optional, uses in-memory if not set)

	// Outbound HTTP
	HTTPTimeout time.Duration

	// Pricing
	PriceWarningThreshold float64 // fraction above co-vendor average that triggers a warning

	// Payment verification polling
	VerifyPollSchedule []time.Duration

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)
}

// Defaults
const (
	DefaultPort           = "8081"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultHTTPTimeout    = 15 * time.Second
	DefaultWarnThreshold  = 0.15
	DefaultVerifySchedule = "2s,5s,10s"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		APIBaseURL:            strings.TrimRight(os.Getenv("API_BASE_URL"), "/"),
		RedisURL:              os.Getenv("REDIS_URL"), // Optional, uses in-memory if not set
		HTTPTimeout:           getEnvSeconds("HTTP_TIMEOUT_SECONDS", DefaultHTTPTimeout),
		PriceWarningThreshold: getEnvFloat("PRICE_WARNING_THRESHOLD", DefaultWarnThreshold),
		OTLPEndpoint:          os.Getenv("OTLP_ENDPOINT"),
	}

	schedule, err := parseSchedule(getEnv("VERIFY_POLL_SCHEDULE", DefaultVerifySchedule))
	if err != nil {
		return nil, fmt.Errorf("invalid VERIFY_POLL_SCHEDULE: %w", err)
	}
	cfg.VerifyPollSchedule = schedule

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute URL")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be positive")
	}

	if c.PriceWarningThreshold < 0 {
		return fmt.Errorf("PRICE_WARNING_THRESHOLD must not be negative")
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

// parseSchedule parses a comma-separated list of durations, e.g. "2s,5s,10s".
func parseSchedule(s string) ([]time.Duration, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("delay %q must be positive", p)
		}
		out = append(out, d)
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
