// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/irt"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	ItemBankPath   string // optional YAML seed loaded into the database at startup
	RedisAddr      string // empty selects the in-process report cache
	ReportCacheTTL time.Duration
	Test           TestDefaults
	Report         ReportConfig
	Housekeeping   HousekeepingConfig
}

// TestDefaults are the per-session options used when a request does not override them.
type TestDefaults struct {
	MinQuestions     int
	MaxQuestions     int
	SEStopThreshold  float64
	TimeLimitMinutes int // 0 = no limit
	Method           irt.Method
}

// ReportConfig controls readiness reporting.
type ReportConfig struct {
	TargetTheta     float64
	WeakThreshold   float64
	StrongThreshold float64
}

// HousekeepingConfig controls the abandonment sweep.
type HousekeepingConfig struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	method, err := irt.ParseMethod(getEnv("ESTIMATION_METHOD", string(irt.MethodMAP)))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/cat.db"),
		ItemBankPath:   getEnv("ITEM_BANK_PATH", ""),
		RedisAddr:      strings.TrimSpace(getEnv("REDIS_ADDR", "")),
		ReportCacheTTL: getEnvDuration("REPORT_CACHE_TTL", time.Hour),
		Test: TestDefaults{
			MinQuestions:     getEnvInt("MIN_QUESTIONS", 10),
			MaxQuestions:     getEnvInt("MAX_QUESTIONS", 40),
			SEStopThreshold:  getEnvFloat("SE_STOP_THRESHOLD", 0.3),
			TimeLimitMinutes: getEnvInt("TIME_LIMIT_MINUTES", 0),
			Method:           method,
		},
		Report: ReportConfig{
			TargetTheta:     getEnvFloat("TARGET_THETA", 0),
			WeakThreshold:   getEnvFloat("WEAK_DOMAIN_THRESHOLD", 0),
			StrongThreshold: getEnvFloat("STRONG_DOMAIN_THRESHOLD", 0.5),
		},
		Housekeeping: HousekeepingConfig{
			StaleAfter:    getEnvDuration("STALE_AFTER", 24*time.Hour),
			SweepInterval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if err := c.TestConfig().Validate(); err != nil {
		return fmt.Errorf("test defaults: %w", err)
	}
	if c.Report.WeakThreshold > c.Report.StrongThreshold {
		return fmt.Errorf("WEAK_DOMAIN_THRESHOLD must not exceed STRONG_DOMAIN_THRESHOLD")
	}
	if c.Housekeeping.StaleAfter <= 0 {
		return fmt.Errorf("STALE_AFTER must be > 0")
	}
	if c.Housekeeping.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// TestConfig returns the default per-session configuration.
func (c *Config) TestConfig() domain.TestConfig {
	tc := domain.TestConfig{
		MinQuestions:    c.Test.MinQuestions,
		MaxQuestions:    c.Test.MaxQuestions,
		SEStopThreshold: c.Test.SEStopThreshold,
	}
	if c.Test.TimeLimitMinutes != 0 {
		m := c.Test.TimeLimitMinutes
		tc.TimeLimitMinutes = &m
	}
	return tc
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
