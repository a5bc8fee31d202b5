package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the server configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	BaseURL         string
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	// JWTSecret signs access tokens. When empty a random secret is
	// generated at startup and tokens do not survive a restart.
	JWTSecret string
	TokenTTL  time.Duration

	// ApprovalKey, when set, must be entered on the device approval page.
	ApprovalKey string

	// Version is reported by /healthz.
	Version string

	RateLimitAuth  int // /oauth/* and /device per IP per minute (default: 30)
	RateLimitWrite int // submissions per worker per minute (default: 120)

	CleanupInterval time.Duration
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8080",
		DBPath:          "./data/server.db",
		BaseURL:         "http://localhost:8080",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		TokenTTL:        time.Hour,
		RateLimitAuth:   30,
		RateLimitWrite:  120,
		CleanupInterval: 5 * time.Minute,
	}

	if v := os.Getenv("FIELDSYNC_SERVER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("FIELDSYNC_SERVER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FIELDSYNC_SERVER_BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("FIELDSYNC_SERVER_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("FIELDSYNC_SERVER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FIELDSYNC_SERVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FIELDSYNC_SERVER_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("FIELDSYNC_SERVER_APPROVAL_KEY"); v != "" {
		cfg.ApprovalKey = v
	}
	if v := os.Getenv("FIELDSYNC_SERVER_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TokenTTL = d
		}
	}
	if v := os.Getenv("FIELDSYNC_SERVER_RATE_LIMIT_AUTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitAuth = n
		}
	}
	if v := os.Getenv("FIELDSYNC_SERVER_RATE_LIMIT_WRITE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitWrite = n
		}
	}

	return cfg
}
