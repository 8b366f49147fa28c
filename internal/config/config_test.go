package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every key Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "SQLITE_PATH", "CACHE_TTL",
		"MARKET_RULES_FILE", "QUOTE_SERVICE_URL", "QUOTE_TIMEOUT", "QUOTE_RATE_LIMIT",
		"QUOTE_CACHE_TTL", "KAFKA_BROKERS", "KAFKA_TOPIC", "LOCK_BACKEND", "LOCK_TTL",
		"TRADING_TIMEZONE", "SETTLEMENT_SCHEDULE", "SETTLE_ON_STARTUP",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, "configs/market_rules.yaml", cfg.MarketRulesFile)
	assert.Equal(t, LockMemory, cfg.LockBackend)
	assert.Equal(t, "paper.orders", cfg.KafkaTopic)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, "0 0 * * *", cfg.SettlementSchedule)
	assert.True(t, cfg.SettleOnStartup)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("LOCK_BACKEND", "Redis")
	t.Setenv("LOCK_TTL", "3s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("QUOTE_RATE_LIMIT", "2.5")
	t.Setenv("TRADING_TIMEZONE", "Asia/Shanghai")
	t.Setenv("SETTLE_ON_STARTUP", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, LockRedis, cfg.LockBackend)
	assert.Equal(t, 3*time.Second, cfg.LockTTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.InDelta(t, 2.5, cfg.QuoteRateLimit, 1e-9)
	assert.Equal(t, "Asia/Shanghai", cfg.Location().String())
	assert.False(t, cfg.SettleOnStartup)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "eighty")
	t.Setenv("CACHE_TTL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Port: 8080, LockBackend: LockMemory, TradingTimezone: "UTC", QuoteRateLimit: 1}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"ok", func(*Config) {}, ""},
		{"unknown lock backend", func(c *Config) { c.LockBackend = "etcd" }, "LOCK_BACKEND"},
		{"redis lock without url", func(c *Config) { c.LockBackend = LockRedis }, "REDIS_URL"},
		{"bad timezone", func(c *Config) { c.TradingTimezone = "Mars/Olympus" }, "TRADING_TIMEZONE"},
		{"bad port", func(c *Config) { c.Port = 0 }, "PORT"},
		{"zero rate limit", func(c *Config) { c.QuoteRateLimit = 0 }, "QUOTE_RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
