// Package config loads ambient runtime settings from the environment,
// mirroring the teacher's config.Load(): read an optional .env file with
// godotenv, then environment variables with typed fallbacks.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the settings the demonstration CLI and its logger need.
// The dispatch engine itself is configured directly through client.Options
// — these are the process-level ambient knobs, not engine parameters.
type Config struct {
	Env             string
	LogLevel        string
	GracefulTimeout time.Duration
}

// Load reads configuration from environment variables and an optional
// .env file in the working directory.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("FASTDISPATCH_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
	}
}

// IsDevelopment reports whether Env is "development".
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
