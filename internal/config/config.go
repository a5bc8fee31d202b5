// Package config loads the client configuration from
// ~/.config/fieldsync/config.toml, FIELDSYNC_* environment variables and
// command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/fieldsync/internal/suggest"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigPath    = "~/.config/fieldsync/config.toml"
	defaultDataDir       = "~/.local/share/fieldsync"
	defaultServerURL     = "http://localhost:8080"
	defaultSyncTimeout   = 30 * time.Second
	defaultSyncInterval  = 5 * time.Minute
	defaultProbeInterval = 15 * time.Second
	defaultLogLevel      = "warn"
)

// SyncConfig holds submission and replay settings.
type SyncConfig struct {
	Timeout     string `toml:"timeout,omitempty"`  // duration string, default "30s"
	MaxAttempts int    `toml:"max_attempts"`       // 0 = retry forever
	Interval    string `toml:"interval,omitempty"` // duration string, default "5m"
}

// ConnectivityConfig holds network detection settings.
type ConnectivityConfig struct {
	AutoDetect    bool   `toml:"auto_detect"`
	ProbeInterval string `toml:"probe_interval,omitempty"` // duration string, default "15s"
}

// AuthConfig holds the device authorization settings. Empty URLs default to
// the endpoints of the configured server.
type AuthConfig struct {
	ClientID      string   `toml:"client_id,omitempty"`
	DeviceAuthURL string   `toml:"device_auth_url,omitempty"`
	TokenURL      string   `toml:"token_url,omitempty"`
	Scopes        []string `toml:"scopes,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level,omitempty"`
	Format string `toml:"format,omitempty"` // "text" (default) or "json"
}

// Config is the client configuration.
type Config struct {
	ServerURL    string             `toml:"server_url"`
	WorkerID     int64              `toml:"worker_id"`
	DeviceID     int64              `toml:"device_id"`
	DataDir      string             `toml:"data_dir,omitempty"`
	Sync         SyncConfig         `toml:"sync"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Auth         AuthConfig         `toml:"auth"`
	Log          LogConfig          `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL: defaultServerURL,
		DeviceID:  -1,
		Auth:      AuthConfig{ClientID: "fieldsync-cli"},
		Log:       LogConfig{Level: defaultLogLevel, Format: "text"},
	}
}

// DefaultPath returns the config file path, honoring FIELDSYNC_CONFIG.
func DefaultPath() string {
	if v := os.Getenv("FIELDSYNC_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

// Load reads the config file at path (empty means DefaultPath) and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()
	return cfg, cfg.Validate()
}

// LoadFile reads the config file without environment overrides or
// validation. It is what `fieldsync config set` edits.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	resolved, err := resolvePath(path)
	if err != nil {
		return cfg, err
	}

	data, err := os.ReadFile(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Default(), fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FIELDSYNC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FIELDSYNC_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("FIELDSYNC_WORKER_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.WorkerID = n
		}
	}
	if v := os.Getenv("FIELDSYNC_DEVICE_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.DeviceID = n
		}
	}
	if v := os.Getenv("FIELDSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FIELDSYNC_SYNC_TIMEOUT"); v != "" {
		c.Sync.Timeout = v
	}
	if v := os.Getenv("FIELDSYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.MaxAttempts = n
		}
	}
	if v := os.Getenv("FIELDSYNC_AUTO_DETECT"); v != "" {
		c.Connectivity.AutoDetect = v == "1" || v == "true"
	}
	if v := os.Getenv("FIELDSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("FIELDSYNC_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is empty")
	}
	if c.Sync.MaxAttempts < 0 {
		return fmt.Errorf("sync.max_attempts must be >= 0, got %d", c.Sync.MaxAttempts)
	}
	for name, v := range map[string]string{
		"sync.timeout":                c.Sync.Timeout,
		"sync.interval":               c.Sync.Interval,
		"connectivity.probe_interval": c.Connectivity.ProbeInterval,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("%s: invalid duration %q", name, v)
		}
	}
	return nil
}

func durationOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// SyncTimeout returns the per-call network timeout.
func (c Config) SyncTimeout() time.Duration {
	return durationOr(c.Sync.Timeout, defaultSyncTimeout)
}

// SyncInterval returns how often long-lived processes run a sync pass.
func (c Config) SyncInterval() time.Duration {
	return durationOr(c.Sync.Interval, defaultSyncInterval)
}

// ProbeInterval returns how often connectivity is probed when auto-detect is on.
func (c Config) ProbeInterval() time.Duration {
	return durationOr(c.Connectivity.ProbeInterval, defaultProbeInterval)
}

// ResolvedDataDir returns the absolute data directory.
func (c Config) ResolvedDataDir() (string, error) {
	if c.DataDir == "" {
		return expandPath(defaultDataDir)
	}
	return expandPath(c.DataDir)
}

// DeviceAuthEndpoint returns the device authorization URL.
func (c Config) DeviceAuthEndpoint() string {
	if c.Auth.DeviceAuthURL != "" {
		return c.Auth.DeviceAuthURL
	}
	return strings.TrimRight(c.ServerURL, "/") + "/oauth/device/code"
}

// TokenEndpoint returns the token URL.
func (c Config) TokenEndpoint() string {
	if c.Auth.TokenURL != "" {
		return c.Auth.TokenURL
	}
	return strings.TrimRight(c.ServerURL, "/") + "/oauth/token"
}

// Save writes cfg to path using an atomic temp file and rename.
func Save(path string, cfg Config) error {
	resolved, err := resolvePath(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.toml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, resolved)
}

type field struct {
	get func(*Config) string
	set func(*Config, string) error
}

func intField(p func(*Config) *int64) field {
	return field{
		get: func(c *Config) string { return strconv.FormatInt(*p(c), 10) },
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("not an integer: %q", v)
			}
			*p(c) = n
			return nil
		},
	}
}

func stringField(p func(*Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error { *p(c) = v; return nil },
	}
}

func durationField(p func(*Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, v string) error {
			if d, err := time.ParseDuration(v); err != nil || d <= 0 {
				return fmt.Errorf("invalid duration %q", v)
			}
			*p(c) = v
			return nil
		},
	}
}

var fields = map[string]field{
	"server_url":    stringField(func(c *Config) *string { return &c.ServerURL }),
	"worker_id":     intField(func(c *Config) *int64 { return &c.WorkerID }),
	"device_id":     intField(func(c *Config) *int64 { return &c.DeviceID }),
	"data_dir":      stringField(func(c *Config) *string { return &c.DataDir }),
	"sync.timeout":  durationField(func(c *Config) *string { return &c.Sync.Timeout }),
	"sync.interval": durationField(func(c *Config) *string { return &c.Sync.Interval }),
	"sync.max_attempts": {
		get: func(c *Config) string { return strconv.Itoa(c.Sync.MaxAttempts) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return fmt.Errorf("must be a non-negative integer: %q", v)
			}
			c.Sync.MaxAttempts = n
			return nil
		},
	},
	"connectivity.auto_detect": {
		get: func(c *Config) string { return strconv.FormatBool(c.Connectivity.AutoDetect) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("not a boolean: %q", v)
			}
			c.Connectivity.AutoDetect = b
			return nil
		},
	},
	"connectivity.probe_interval": durationField(func(c *Config) *string { return &c.Connectivity.ProbeInterval }),
	"auth.client_id":              stringField(func(c *Config) *string { return &c.Auth.ClientID }),
	"auth.device_auth_url":        stringField(func(c *Config) *string { return &c.Auth.DeviceAuthURL }),
	"auth.token_url":              stringField(func(c *Config) *string { return &c.Auth.TokenURL }),
	"log.level":                   stringField(func(c *Config) *string { return &c.Log.Level }),
	"log.format":                  stringField(func(c *Config) *string { return &c.Log.Format }),
}

// Keys returns the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ErrUnknownKey is returned by Get and Set for a key that does not exist.
var ErrUnknownKey = errors.New("unknown config key")

func unknownKey(key string) error {
	if hint := suggest.Hint(key, Keys()); hint != "" {
		return fmt.Errorf("%w %q, %s", ErrUnknownKey, key, hint)
	}
	return fmt.Errorf("%w %q", ErrUnknownKey, key)
}

// Get returns the value of a dotted key.
func (c *Config) Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", unknownKey(key)
	}
	return f.get(c), nil
}

// Set assigns a dotted key from its string form.
func (c *Config) Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return unknownKey(key)
	}
	if err := f.set(c, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
