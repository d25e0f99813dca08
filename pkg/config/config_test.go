package config_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forkshield/settle/pkg/config"
)

// TestLoad_Defaults verifies Load() returns sensible defaults when no
// environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL",
		"REDIS_ADDR", "RATE_RPS", "RATE_BURST", "VERIFY_MODE", "WEIGHTS_PATH",
		"OTLP_ENABLED", "ENVIRONMENT",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "settle.db", cfg.SQLitePath)
	assert.Contains(t, cfg.PostgresDSN, "localhost")
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, 50, cfg.RateRPS)
	assert.Equal(t, "none", cfg.VerifyMode)
	assert.False(t, cfg.OTLPEnabled)
}

// TestLoad_Overrides verifies environment variables override the defaults.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("RATE_RPS", "5")
	t.Setenv("VERIFY_MODE", "ed25519")
	t.Setenv("OTLP_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5, cfg.RateRPS)
	assert.Equal(t, "ed25519", cfg.VerifyMode)
	assert.True(t, cfg.OTLPEnabled)
}

// TestLoad_BadIntFallsBack verifies a non-numeric integer variable falls
// back to the default instead of failing the boot.
func TestLoad_BadIntFallsBack(t *testing.T) {
	t.Setenv("RATE_RPS", "plenty")
	cfg := config.Load()
	assert.Equal(t, 50, cfg.RateRPS)
}

// TestSlogLevel verifies log-level mapping is case-insensitive with an INFO
// fallback.
func TestSlogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &config.Config{LogLevel: tt.in}
		assert.Equal(t, tt.want, cfg.SlogLevel(), tt.in)
	}
}
