package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Media    Media    `json:"media"`
}

type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Relay struct {
	// Base URL of the signaling relay, e.g. http://localhost:8787.
	URL    string `json:"url"`
	APIKey string `json:"api_key"`

	// Optional directory endpoint for caller profile lookups. Empty means
	// callers are shown by raw user ID.
	DirectoryURL string `json:"directory_url"`
}

type Call struct {
	STUNServers []string `json:"stun_servers"`

	// Seconds an outgoing call rings before giving up. 0 disables the timer.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Media struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func Default() Config {
	return Config{
		Identity: Identity{},
		Relay: Relay{
			URL: "http://127.0.0.1:8787",
		},
		Call: Call{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			RingTimeoutSec: 45,
		},
		Media: Media{
			Width:  1280,
			Height: 720,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	if err := validateHTTPURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if d := strings.TrimSpace(c.Relay.DirectoryURL); d != "" {
		if err := validateHTTPURL(d); err != nil {
			return fmt.Errorf("relay.directory_url: %w", err)
		}
	}

	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must list at least one server")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("call.stun_servers: %q must use the stun: or stuns: scheme", s)
		}
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}

	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return errors.New("media.width and media.height must be > 0")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The freshly created default does not
// validate (it has no user ID yet), so the caller should tell the user to
// fill it in.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := writeJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// writeJSONFile writes JSON atomically: temp file in the same directory,
// then rename.
func writeJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
