package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.zapdesk/config.toml.
type Config struct {
	APIBaseURL string `toml:"api_base_url"`
	APIToken   string `toml:"api_token"`
	Tenant     string `toml:"tenant"`

	DefaultProfile string `toml:"default_profile"`

	PollIntervalMs   int `toml:"poll_interval_ms"`
	NotifyIntervalMs int `toml:"notify_interval_ms"`
	MinFetchGapMs    int `toml:"min_fetch_gap_ms"`
	DraftDebounceMs  int `toml:"draft_debounce_ms"`

	ListTimeoutMs      int `toml:"list_timeout_ms"`
	SendTimeoutMs      int `toml:"send_timeout_ms"`
	MediaSendTimeoutMs int `toml:"media_send_timeout_ms"`

	// MaxUnconfirmedPolls bounds how many poll cycles a sent-but-unmatched
	// placeholder survives before it is surfaced as failed.
	MaxUnconfirmedPolls int `toml:"max_unconfirmed_polls"`

	Notifications NotificationPrefs `toml:"notifications"`
}

// NotificationPrefs controls the cross-page notification channels.
type NotificationPrefs struct {
	InApp bool `toml:"in_app"`
	Push  bool `toml:"push"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads config from the given path. A missing file yields defaults;
// a present but unreadable file is an error.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
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

func (c *Config) applyDefaults() {
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 5000
	}
	if c.NotifyIntervalMs <= 0 {
		c.NotifyIntervalMs = 15000
	}
	if c.MinFetchGapMs <= 0 {
		c.MinFetchGapMs = 1500
	}
	if c.DraftDebounceMs <= 0 {
		c.DraftDebounceMs = 500
	}
	if c.ListTimeoutMs <= 0 {
		c.ListTimeoutMs = 8000
	}
	if c.SendTimeoutMs <= 0 {
		c.SendTimeoutMs = 15000
	}
	if c.MediaSendTimeoutMs <= 0 {
		c.MediaSendTimeoutMs = 60000
	}
	if c.MaxUnconfirmedPolls <= 0 {
		c.MaxUnconfirmedPolls = 6
	}
	if !c.Notifications.InApp && !c.Notifications.Push {
		c.Notifications.InApp = true
	}
}

// PollInterval returns the conversation poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// NotifyInterval returns the cross-page notifier interval.
func (c *Config) NotifyInterval() time.Duration {
	return time.Duration(c.NotifyIntervalMs) * time.Millisecond
}

// MinFetchGap returns the throttle floor between two fetches.
func (c *Config) MinFetchGap() time.Duration {
	return time.Duration(c.MinFetchGapMs) * time.Millisecond
}

// DraftDebounce returns the draft persistence debounce delay.
func (c *Config) DraftDebounce() time.Duration {
	return time.Duration(c.DraftDebounceMs) * time.Millisecond
}

// ListTimeout returns the deadline for poll fetches.
func (c *Config) ListTimeout() time.Duration {
	return time.Duration(c.ListTimeoutMs) * time.Millisecond
}

// SendTimeout returns the deadline for text-only sends.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

// MediaSendTimeout returns the deadline for sends with attachments.
func (c *Config) MediaSendTimeout() time.Duration {
	return time.Duration(c.MediaSendTimeoutMs) * time.Millisecond
}
