// Package config loads the engine configuration from the environment.
// main loads a .env file via godotenv before calling Load, so local
// development keys live in one place.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gearlock/workshop-engine/logger"
)

// Config is the full runtime configuration. Every field has an
// environment default so a bare `server` starts with the in-memory
// store.
type Config struct {
	// HTTP
	HTTPAddr    string   `validate:"required"`
	CORSOrigins []string `validate:"min=1"`

	// Storage
	StoreBackend string `validate:"oneof=memory sqlite bolt"`
	SQLitePath   string `validate:"required_if=StoreBackend sqlite"`
	BoltPath     string `validate:"required_if=StoreBackend bolt"`

	// Engine
	LowStockThreshold  int           `validate:"gte=0"`
	SessionIdleTimeout time.Duration `validate:"gt=0"`
	SweeperInterval    time.Duration `validate:"gt=0"`

	// Logging
	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

func Load() (*Config, error) {
	config := &Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		CORSOrigins:        []string{getEnv("CORS_ORIGIN", "*")},
		StoreBackend:       getEnv("STORE_BACKEND", "memory"),
		SQLitePath:         getEnv("SQLITE_PATH", "./data/workshop.db"),
		BoltPath:           getEnv("BOLT_PATH", "./data/workshop.bolt"),
		LowStockThreshold:  getEnvInt("LOW_STOCK_THRESHOLD", 10),
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SweeperInterval:    getEnvDuration("SWEEPER_INTERVAL", time.Minute),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "console"),
	}

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// GetLoggerConfig returns a logger configuration from the main config.
func (c *Config) GetLoggerConfig() logger.LogConfig {
	return logger.LogConfig{
		Level:  c.LogLevel,
		Format: c.LogFormat,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
