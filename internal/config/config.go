package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default backend endpoints for a locally running storefront stack.
const (
	DefaultAPIBaseURL  = "http://localhost:8080/api"
	DefaultRealtimeURL = "ws://localhost:8080/socket"
)

// Config represents the global ~/.vichat/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	APIBaseURL     string `toml:"api_base_url"`
	RealtimeURL    string `toml:"realtime_url"`
}

// Load reads config from the given path, then applies VICHAT_API_URL and
// VICHAT_REALTIME_URL environment overrides and fills defaults. A missing
// file is an error; callers that tolerate it use LoadOrDefault.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyOverrides()
	return &cfg, nil
}

// LoadOrDefault is Load, except a missing file yields a default config.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
		cfg.applyOverrides()
	}
	return cfg
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

func (c *Config) applyOverrides() {
	if v := os.Getenv("VICHAT_API_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("VICHAT_REALTIME_URL"); v != "" {
		c.RealtimeURL = v
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.RealtimeURL == "" {
		c.RealtimeURL = DefaultRealtimeURL
	}
}
