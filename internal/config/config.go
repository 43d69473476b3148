package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.duet/config.toml.
type Config struct {
	DefaultSession string          `toml:"default_session"`
	UserID         string          `toml:"user_id"`
	Email          string          `toml:"email"`
	Backend        BackendConfig   `toml:"backend"`
	Stream         StreamConfig    `toml:"stream"`
	Signaling      SignalingConfig `toml:"signaling"`
	Call           CallConfig      `toml:"call"`
	Media          MediaConfig     `toml:"media"`
	Log            LogConfig       `toml:"log"`
}

// SQLitePrefix marks a backend DSN naming a local SQLite file rather
// than Postgres.
const SQLitePrefix = "sqlite://"

// BackendConfig points at the durable message/profile store.
type BackendConfig struct {
	DSN string `toml:"dsn"`
}

// Local reports whether the DSN names a local SQLite backend.
func (b BackendConfig) Local() bool {
	return strings.HasPrefix(b.DSN, SQLitePrefix)
}

// Stream transports.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	// TransportLocal is an in-process channel fed by a local sqlite backend.
	TransportLocal = "local"
)

// StreamConfig selects the event stream transport.
type StreamConfig struct {
	Transport     string   `toml:"transport"` // websocket, redis or local
	URL           string   `toml:"url"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisPassword string   `toml:"redis_password"`
	Backoff       Duration `toml:"backoff"`
	MaxBackoff    Duration `toml:"max_backoff"`
}

// SignalingConfig points at the call rendezvous.
type SignalingConfig struct {
	URL string `toml:"url"`
}

// CallConfig tunes the call session manager.
type CallConfig struct {
	DeclineDelay Duration `toml:"decline_delay"`
}

// MediaConfig declares which capture devices are available.
type MediaConfig struct {
	Audio bool `toml:"audio"`
	Video bool `toml:"video"`
}

// LogConfig controls the rotating daemon log.
type LogConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration is a time.Duration that TOML reads and writes as "3s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Media: MediaConfig{Audio: true, Video: true}}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.Stream.Transport == "" {
		c.Stream.Transport = TransportWebSocket
	}
	if c.Stream.Backoff.Duration <= 0 {
		c.Stream.Backoff.Duration = time.Second
	}
	if c.Stream.MaxBackoff.Duration <= 0 {
		c.Stream.MaxBackoff.Duration = 30 * time.Second
	}
	if c.Call.DeclineDelay.Duration <= 0 {
		c.Call.DeclineDelay.Duration = 3 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
}

// Load reads config from the given path and applies defaults.
// Returns nil config and error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Config{Media: MediaConfig{Audio: true, Video: true}}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
