// Package config loads server configuration from environment variables,
// 12-factor style. Every knob has a local-development default.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds the settled server configuration.
type Config struct {
	Port     string
	LogLevel string

	// StoreDriver selects persistence: "memory", "sqlite" or "postgres".
	StoreDriver string
	SQLitePath  string
	PostgresDSN string

	// RedisAddr enables the shared Redis rate limiter when non-empty;
	// otherwise an in-process per-IP limiter is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RateRPS       int
	RateBurst     int

	// VerifyMode selects signature verification: "none" or "ed25519".
	VerifyMode string
	// AgentKeysPath points to a YAML file of agent_id to base64 Ed25519
	// public key, required in ed25519 mode.
	AgentKeysPath string

	// WeightsPath optionally overrides the built-in fusion weight registry.
	WeightsPath string

	OTLPEndpoint string
	OTLPEnabled  bool
	Environment  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		StoreDriver: getenv("STORE_DRIVER", "sqlite"),
		SQLitePath:  getenv("SQLITE_PATH", "settle.db"),
		PostgresDSN: getenv("DATABASE_URL", "postgres://settle@localhost:5432/settle?sslmode=disable"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getenvInt("REDIS_DB", 0),
		RateRPS:       getenvInt("RATE_RPS", 50),
		RateBurst:     getenvInt("RATE_BURST", 100),

		VerifyMode:    getenv("VERIFY_MODE", "none"),
		AgentKeysPath: os.Getenv("AGENT_KEYS_PATH"),

		WeightsPath: os.Getenv("WEIGHTS_PATH"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:  os.Getenv("OTLP_ENABLED") == "true",
		Environment:  getenv("ENVIRONMENT", "development"),
	}
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
