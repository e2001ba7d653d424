package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.groupim/config.toml.
type Config struct {
	// ServerURL is the IM server base URL, e.g. https://im.example.com.
	// The websocket endpoint and the blob endpoints derive from it.
	ServerURL      string `toml:"server_url"`
	DefaultSession string `toml:"default_session"`

	// MaxRetry is the outbox retry budget before a message flips to
	// terminal failed status.
	MaxRetry int `toml:"max_retry"`
	// ResendAfterMs is how long a dispatched outbox entry waits for an
	// ack before it is re-dispatched.
	ResendAfterMs int `toml:"resend_after_ms"`
	// RouterBuffer caps buffered inbound messages per unattached
	// conversation; oldest entries are dropped beyond it.
	RouterBuffer int `toml:"router_buffer"`
	// RetentionDays controls the file cache cleanup sweep.
	RetentionDays int `toml:"retention_days"`
}

// Default returns a config with engine defaults filled in.
func Default() *Config {
	return &Config{
		MaxRetry:      3,
		ResendAfterMs: 10000,
		RouterBuffer:  256,
		RetentionDays: 30,
	}
}

// Load reads config from the given path. Missing keys keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
