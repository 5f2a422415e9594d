package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as a TOML string,
// e.g. poll_interval = "15s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the global ~/.chirp/config.toml. Every field is
// optional: a zero value means the owning component's default, so a
// missing file or table loads fine.
type Config struct {
	DefaultSession string `toml:"default_session"`
	DefaultUser    string `toml:"default_user"`

	Sync     SyncConfig     `toml:"sync"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Presence PresenceConfig `toml:"presence"`
	Feed     FeedConfig     `toml:"feed"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Workers       int `toml:"workers"`
	BackfillLimit int `toml:"backfill_limit"`
	DedupCache    int `toml:"dedup_cache"`
}

// OutboxConfig tunes the retry processor.
type OutboxConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	BaseDelay    Duration `toml:"base_delay"`
	PollInterval Duration `toml:"poll_interval"`
}

// GatewayConfig tunes the remote gateway.
type GatewayConfig struct {
	CoalesceDelay Duration `toml:"coalesce_delay"`
}

// PresenceConfig tunes the ephemeral channel manager.
type PresenceConfig struct {
	Throttle  Duration `toml:"throttle"`
	AutoClear Duration `toml:"auto_clear"`
}

// FeedConfig tunes the websocket event feed.
type FeedConfig struct {
	ClientBuffer int      `toml:"client_buffer"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// Load reads config from the given path. A missing file is not an error;
// it loads as the zero config so every component falls back to its
// defaults. A malformed file is an error.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
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
