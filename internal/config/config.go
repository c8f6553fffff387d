package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default server endpoints used when the config file does not set them.
const (
	DefaultRESTBaseURL      = "https://api.blinkchat.dev/api/v1"
	DefaultWebSocketBaseURL = "wss://api.blinkchat.dev/api/v1/ws"
)

// Config represents the global ~/.blinkchat/config.toml.
type Config struct {
	DefaultProfile   string `toml:"default_profile"`
	RESTBaseURL      string `toml:"rest_base_url"`
	WebSocketBaseURL string `toml:"websocket_base_url"`
}

// Load reads config from the given path and applies BLINKCHAT_* environment
// overrides. A missing file yields the defaults, not an error.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	cfg.applyEnv()
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

func (c *Config) applyEnv() {
	if v := os.Getenv("BLINKCHAT_PROFILE"); v != "" {
		c.DefaultProfile = v
	}
	if v := os.Getenv("BLINKCHAT_REST_URL"); v != "" {
		c.RESTBaseURL = v
	}
	if v := os.Getenv("BLINKCHAT_WS_URL"); v != "" {
		c.WebSocketBaseURL = v
	}
}

func (c *Config) applyDefaults() {
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = DefaultRESTBaseURL
	}
	if c.WebSocketBaseURL == "" {
		c.WebSocketBaseURL = DefaultWebSocketBaseURL
	}
}
