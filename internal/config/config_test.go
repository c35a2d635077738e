package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("poll interval = %v, want 5s", cfg.PollInterval())
	}
	if cfg.MaxUnconfirmedPolls != 6 {
		t.Errorf("max unconfirmed polls = %d, want 6", cfg.MaxUnconfirmedPolls)
	}
	if !cfg.Notifications.InApp {
		t.Error("in-app notifications should default to enabled")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.APIBaseURL = "https://crm.example.com/api"
	cfg.Tenant = "acme"
	cfg.PollIntervalMs = 10000
	cfg.Notifications.Push = true

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.APIBaseURL != "https://crm.example.com/api" {
		t.Errorf("api_base_url = %q", loaded.APIBaseURL)
	}
	if loaded.Tenant != "acme" {
		t.Errorf("tenant = %q", loaded.Tenant)
	}
	if loaded.PollInterval() != 10*time.Second {
		t.Errorf("poll interval = %v, want 10s", loaded.PollInterval())
	}
	if !loaded.Notifications.Push {
		t.Error("push preference lost in roundtrip")
	}
}

func TestMediaTimeoutLongerThanText(t *testing.T) {
	cfg := Default()
	if cfg.MediaSendTimeout() <= cfg.SendTimeout() {
		t.Errorf("media timeout %v should exceed text timeout %v",
			cfg.MediaSendTimeout(), cfg.SendTimeout())
	}
}
