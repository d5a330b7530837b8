package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// DefaultPageSize is the message window/backfill page size used when the
// config does not set one. A single constant drives both the boundary
// backfill and the last-message backfill.
const DefaultPageSize = 30

// Config represents the global ~/.convo/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	Listen         string `toml:"listen"`
	PageSize       int    `toml:"page_size"`
	AccessToken    string `toml:"access_token"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
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

// ApplyEnv overlays CONVO_* environment variables onto cfg. The daemon loads
// a .env file first (godotenv), so both real env and .env entries land here.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CONVO_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CONVO_ACCESS_TOKEN"); v != "" {
		c.AccessToken = v
	}
	if v := os.Getenv("CONVO_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PageSize = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7644"
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
}

// Default returns a config with all defaults applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}
