package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.Identity.UserID = "u-123"
	cfg.Identity.DisplayName = "Dana"
	return cfg
}

func TestValidate(t *testing.T) {
	t.Run("defaults plus identity pass", func(t *testing.T) {
		cfg := validConfig()
		if err := cfg.Validate(); err != nil {
			t.Fatalf("validate: %v", err)
		}
	})

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing user id", func(c *Config) { c.Identity.UserID = " " }},
		{"bad relay url", func(c *Config) { c.Relay.URL = "ftp://relay" }},
		{"relay url without host", func(c *Config) { c.Relay.URL = "http://" }},
		{"bad directory url", func(c *Config) { c.Relay.DirectoryURL = "not a url\x7f" }},
		{"no stun servers", func(c *Config) { c.Call.STUNServers = nil }},
		{"stun wrong scheme", func(c *Config) { c.Call.STUNServers = []string{"turn:t.example.org"} }},
		{"negative ring timeout", func(c *Config) { c.Call.RingTimeoutSec = -1 }},
		{"zero media size", func(c *Config) { c.Media.Width = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unilink.json")
	cfg := validConfig()
	cfg.Call.RingTimeoutSec = 20

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Identity.UserID != "u-123" || got.Call.RingTimeoutSec != 20 {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unilink.json")
	body := `{"identity":{"user_id":"u-1"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Call.STUNServers) == 0 {
		t.Fatal("stun defaults not applied")
	}
	if cfg.Media.Width != 1280 || cfg.Media.Height != 720 {
		t.Fatalf("media defaults = %dx%d", cfg.Media.Width, cfg.Media.Height)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unilink.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"u-1"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unilink.json")
	_, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	// Second call loads the existing file; ours has no user ID yet, so it
	// fails validation rather than silently running unidentified.
	if _, created, err = Ensure(path); created || err == nil {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unilink.json")
	if err := Save(path, validConfig()); err != nil {
		t.Fatalf("save: %v", err)
	}

	changed := make(chan Config, 4)
	stop, err := Watch(path, func(c Config) { changed <- c })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer stop()

	next := validConfig()
	next.Call.RingTimeoutSec = 10
	if err := Save(path, next); err != nil {
		t.Fatalf("save update: %v", err)
	}

	select {
	case got := <-changed:
		if got.Call.RingTimeoutSec != 10 {
			t.Fatalf("reloaded ring timeout = %d, want 10", got.Call.RingTimeoutSec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}

	// An invalid edit keeps the last good config and does not fire.
	if err := os.WriteFile(path, []byte(`{"identity":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-changed:
		t.Fatalf("watcher fired for invalid config: %+v", got)
	case <-time.After(600 * time.Millisecond):
	}
}
