package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds server configuration loaded from the environment.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration

	// Storage
	DBURI     string
	DBPoolMin int
	DBPoolMax int
	DataDir   string

	// Cache
	CacheURL string
	CacheTTL time.Duration

	// Credits and limits
	FreeTierCredits    int64
	RateLimitOverrides map[string]map[string]int64

	// CORS
	CORSOrigins string

	// Content acquisition
	FetchMaxBytes int64
	FetchTimeout  time.Duration

	// Export archival: s3://bucket/prefix, gs://bucket/prefix or file:///dir
	ExportArchiveURL string

	// Sentiment collaborator (both optional)
	SentimentURL      string
	SentimentWASMPath string

	// Subscription upgrade URL shown on 402 responses
	UpgradeURL string

	// Observability
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64
}

// Load loads configuration from environment variables.
// Only JWT_SECRET has no usable default; Validate reports it missing.
func Load() *Config {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		TokenTTL:          time.Duration(getEnvInt("TOKEN_TTL_MIN", 1440)) * time.Minute,
		DBURI:             os.Getenv("DB_URI"),
		DBPoolMin:         getEnvInt("DB_POOL_MIN", 5),
		DBPoolMax:         getEnvInt("DB_POOL_MAX", 50),
		DataDir:           getEnv("DATA_DIR", "data"),
		CacheURL:          os.Getenv("CACHE_URL"),
		CacheTTL:          time.Duration(getEnvInt("CACHE_TTL_SEC", 86400)) * time.Second,
		FreeTierCredits:   int64(getEnvInt("FREE_TIER_CREDITS", 100)),
		CORSOrigins:       os.Getenv("CORS_ORIGINS"),
		FetchMaxBytes:     int64(getEnvInt("FETCH_MAX_BYTES", 10485760)),
		FetchTimeout:      time.Duration(getEnvInt("FETCH_TIMEOUT_MS", 15000)) * time.Millisecond,
		ExportArchiveURL:  os.Getenv("EXPORT_ARCHIVE_URL"),
		SentimentURL:      os.Getenv("SENTIMENT_URL"),
		SentimentWASMPath: os.Getenv("SENTIMENT_WASM_PATH"),
		UpgradeURL:        getEnv("UPGRADE_URL", "https://esglens.io/upgrade"),
		OTelEnabled:       os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRate:    getEnvFloat("OTEL_SAMPLE_RATE", 1.0),
	}

	if raw := os.Getenv("RATE_LIMIT_OVERRIDES"); raw != "" {
		if overrides, err := ParseRateLimitOverrides(raw); err == nil {
			cfg.RateLimitOverrides = overrides
		}
	}

	return cfg
}

// Validate reports configuration errors that prevent startup.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DBPoolMin < 0 || c.DBPoolMax < c.DBPoolMin {
		return fmt.Errorf("invalid DB pool bounds: min=%d max=%d", c.DBPoolMin, c.DBPoolMax)
	}
	if c.FetchMaxBytes <= 0 {
		return fmt.Errorf("FETCH_MAX_BYTES must be positive")
	}
	return nil
}

// ParseRateLimitOverrides parses a YAML (or JSON) map of
// endpoint -> tier -> hourly limit, e.g. `analyze: {free: 50}`.
func ParseRateLimitOverrides(raw string) (map[string]map[string]int64, error) {
	overrides := make(map[string]map[string]int64)
	if err := yaml.Unmarshal([]byte(raw), &overrides); err != nil {
		return nil, fmt.Errorf("parse RATE_LIMIT_OVERRIDES: %w", err)
	}
	return overrides, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
