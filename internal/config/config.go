package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvServerURL   = "IMCORE_SERVER_URL"
	EnvToken       = "IMCORE_TOKEN"
	EnvMetricsAddr = "IMCORE_METRICS_ADDR"
	EnvSession     = "IMCORE_SESSION"
)

// Config represents the global ~/.imcore/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	ServerURL      string   `toml:"server_url"`
	Token          string   `toml:"token"`
	MetricsAddr    string   `toml:"metrics_addr"`
	LogLevel       string   `toml:"log_level"`
	TypingTTL      Duration `toml:"typing_ttl"`
	PageSize       int      `toml:"page_size"`

	Transport Transport `toml:"transport"`
	Poll      Poll      `toml:"poll"`
	Notify    Notify    `toml:"notify"`
}

// Transport configures the stream connection.
type Transport struct {
	AutoReconnect        bool     `toml:"auto_reconnect"`
	// MaxReconnectAttempts of 0 means a failed stream goes straight to the
	// error state.
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectInterval    Duration `toml:"reconnect_interval"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
}

// Poll configures the polling fallback. A negative interval disables it.
type Poll struct {
	Interval Duration `toml:"interval"`
	Cooldown Duration `toml:"cooldown"`
}

// Notify configures the notification surfaces.
type Notify struct {
	Desktop   bool   `toml:"desktop"`
	Title     bool   `toml:"title"`
	BaseTitle string `toml:"base_title"`
	Icon      string `toml:"icon"`
}

// Duration is a time.Duration written as a string like "6s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		TypingTTL: Duration{6 * time.Second},
		PageSize:  50,
		Transport: Transport{
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectInterval:    Duration{3 * time.Second},
			HeartbeatInterval:    Duration{30 * time.Second},
		},
		Poll: Poll{
			Interval: Duration{20 * time.Second},
			Cooldown: Duration{5 * time.Second},
		},
		Notify: Notify{
			Desktop:   true,
			Title:     true,
			BaseTitle: "imcore",
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve loads path if it exists, falls back to Default otherwise, then
// applies .env files and environment overrides.
func Resolve(path string, envFiles ...string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := LoadEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// LoadEnv reads .env style files into the process environment. Missing
// files are skipped and existing variables are never overwritten.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides fields from IMCORE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvServerURL); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv(EnvSession); v != "" {
		c.DefaultSession = v
	}
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
