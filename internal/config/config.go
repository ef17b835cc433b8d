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

	// Database
	DatabaseURL      string // PostgreSQL connection string (optional, uses in-memory if not set)
	HistoryEnabled   bool   // false runs without any scan store
	MemoryHistoryMax int    // record cap for the in-memory store

	// Scoring
	ModelPath        string // classifier artifact; heuristic mode when missing or invalid
	FeatureListsPath string // optional keyword/TLD override JSON

	// External threat intelligence
	SafeBrowsingAPIKey  string
	VirusTotalAPIKey    string
	SafeBrowsingTimeout time.Duration
	VirusTotalTimeout   time.Duration

	// Provider response cache
	RedisURL       string // host:port; in-process cache when empty
	SignalCacheTTL time.Duration

	// Scan event stream
	KafkaBrokers []string
	KafkaTopic   string

	// HTTP hardening
	RateLimitRPM       int
	CORSAllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultModelPath           = "url_threat_model.json"
	DefaultSafeBrowsingTimeout = 5 * time.Second
	DefaultVirusTotalTimeout   = 10 * time.Second
	DefaultSignalCacheTTL      = 15 * time.Minute
	DefaultKafkaTopic          = "url-scans"
	DefaultRateLimitRPM        = 60
	DefaultMemoryHistoryMax    = 10000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		HistoryEnabled:      getEnvBool("SCAN_HISTORY_ENABLED", true),
		MemoryHistoryMax:    int(getEnvInt64("MEMORY_HISTORY_MAX", DefaultMemoryHistoryMax)),
		ModelPath:           getEnv("MODEL_PATH", DefaultModelPath),
		FeatureListsPath:    os.Getenv("FEATURE_LISTS_PATH"),
		SafeBrowsingAPIKey:  os.Getenv("GOOGLE_SAFE_BROWSING_API_KEY"),
		VirusTotalAPIKey:    os.Getenv("VIRUSTOTAL_API_KEY"),
		SafeBrowsingTimeout: getEnvDuration("SAFE_BROWSING_TIMEOUT", DefaultSafeBrowsingTimeout),
		VirusTotalTimeout:   getEnvDuration("VIRUSTOTAL_TIMEOUT", DefaultVirusTotalTimeout),
		RedisURL:            os.Getenv("REDIS_URL"),
		SignalCacheTTL:      getEnvDuration("SIGNAL_CACHE_TTL", DefaultSignalCacheTTL),
		KafkaBrokers:        getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:          getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSAllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.SafeBrowsingTimeout <= 0 || c.VirusTotalTimeout <= 0 {
		return fmt.Errorf("provider timeouts must be positive")
	}

	if c.SignalCacheTTL < 0 {
		return fmt.Errorf("SIGNAL_CACHE_TTL must not be negative")
	}

	if c.MemoryHistoryMax <= 0 {
		return fmt.Errorf("MEMORY_HISTORY_MAX must be positive")
	}

	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

// getEnvDuration accepts Go duration strings ("5s") or bare seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
