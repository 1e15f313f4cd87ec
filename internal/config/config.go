package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the chat backend.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	StatePath   string
	DatabaseURL string

	GenerateMode       string
	GenerateURL        string
	GenerateAPIKey     string
	GenerateTimeout    time.Duration
	GenerateMaxRetries int

	Greeting   string
	ErrorReply string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "quill"),
		AllowAnyOrigin:   false,
		StatePath:        trimSpaceEnv("APP_STATE_PATH"),
		DatabaseURL:      trimSpaceEnv("DATABASE_URL"),
		GenerateMode:     envOrDefault("GENERATE_MODE", "auto"),
		GenerateURL:      trimSpaceEnv("GENERATE_URL"),
		GenerateAPIKey:   trimSpaceEnv("GENERATE_API_KEY"),
		Greeting:         envOrDefault("CHAT_GREETING", "Hello! How can I help you today?"),
		ErrorReply:       envOrDefault("CHAT_ERROR_REPLY", "Sorry, something went wrong. Please try again."),
		ShutdownTimeout:  15 * time.Second,
		GenerateTimeout:  60 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateTimeout, err = durationFromEnv("GENERATE_TIMEOUT", cfg.GenerateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerateMaxRetries, err = intFromEnv("GENERATE_MAX_RETRIES", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.GenerateMode)) {
	case "auto", "http", "mock":
	default:
		return Config{}, fmt.Errorf("invalid GENERATE_MODE: %q (expected auto|http|mock)", cfg.GenerateMode)
	}
	if cfg.GenerateTimeout < time.Second {
		return Config{}, fmt.Errorf("GENERATE_TIMEOUT must be at least 1s")
	}
	if cfg.GenerateMaxRetries < 0 {
		return Config{}, fmt.Errorf("GENERATE_MAX_RETRIES must be >= 0")
	}
	if cfg.DatabaseURL != "" && cfg.StatePath != "" {
		return Config{}, fmt.Errorf("DATABASE_URL and APP_STATE_PATH are mutually exclusive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpaceEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimSpaceEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimSpaceEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
