// Package config loads server settings from the environment, with an
// optional .env file in the working directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

// Config holds application configuration.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL string
	RedisURL    string
	SQLitePath  string
	CacheTTL    time.Duration

	MarketRulesFile string

	QuoteServiceURL string
	QuoteTimeout    time.Duration
	QuoteRateLimit  float64
	QuoteCacheTTL   time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	LockBackend string
	LockTTL     time.Duration

	TradingTimezone    string
	SettlementSchedule string
	SettleOnStartup    bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvAsInt("PORT", 8080),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		SQLitePath:         getEnv("SQLITE_PATH", ""),
		CacheTTL:           getEnvAsDuration("CACHE_TTL", 30*time.Second),
		MarketRulesFile:    getEnv("MARKET_RULES_FILE", "configs/market_rules.yaml"),
		QuoteServiceURL:    getEnv("QUOTE_SERVICE_URL", ""),
		QuoteTimeout:       getEnvAsDuration("QUOTE_TIMEOUT", 3*time.Second),
		QuoteRateLimit:     getEnvAsFloat("QUOTE_RATE_LIMIT", 20),
		QuoteCacheTTL:      getEnvAsDuration("QUOTE_CACHE_TTL", 5*time.Second),
		KafkaBrokers:       getEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "paper.orders"),
		LockBackend:        strings.ToLower(getEnv("LOCK_BACKEND", LockMemory)),
		LockTTL:            getEnvAsDuration("LOCK_TTL", 10*time.Second),
		TradingTimezone:    getEnv("TRADING_TIMEZONE", "UTC"),
		SettlementSchedule: getEnv("SETTLEMENT_SCHEDULE", "0 0 * * *"),
		SettleOnStartup:    getEnvAsBool("SETTLE_ON_STARTUP", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the settings are usable together.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.LockBackend {
	case LockMemory:
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockMemory, LockRedis, c.LockBackend)
	}
	if _, err := time.LoadLocation(c.TradingTimezone); err != nil {
		return fmt.Errorf("TRADING_TIMEZONE: %w", err)
	}
	if c.QuoteRateLimit <= 0 {
		return fmt.Errorf("QUOTE_RATE_LIMIT must be positive")
	}
	return nil
}

// Location returns the trading time zone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TradingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if dur, err := time.ParseDuration(value); err == nil {
			return dur
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
