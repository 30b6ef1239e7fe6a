// Package config loads the ambient, deployment-level settings the engine
// itself never needs wired programmatically: which server to dial, how
// verbose to log, where the offline cache lives, and how aggressively to
// reconnect. Programmatic wiring (schema registry, transport factory) stays
// in engine.Config; this package only covers what a deployed client reads
// from a YAML file or its environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the client process's deployment configuration.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Cache    CacheConfig    `yaml:"cache"`
	Log      LogConfig      `yaml:"log"`
	Sync     SyncConfig     `yaml:"sync"`
}

// EndpointConfig names the collaboration server the transport factory
// dials.
type EndpointConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"` // static bearer token; unset when using an OAuth2 TokenSource instead
}

// CacheConfig controls the optional offline snapshot cache (SPEC_FULL.md
// SUPPLEMENTED FEATURES). Prefix is handed to engine.Config.DBPrefix, not
// to the cache store itself — the store has no namespacing of its own.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Prefix  string `yaml:"prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SyncConfig tunes the websocket transport's reconnect backoff
// (wsloop.Factory.Backoff).
type SyncConfig struct {
	ReconnectMinBackoff time.Duration `yaml:"reconnectMinBackoff"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnectMaxBackoff"`
}

// Load reads configuration from an optional YAML file (COLLABDOC_CONFIG_PATH)
// layered under defaults, then applies environment variable overrides.
func Load() (Config, error) {
	cfg := Config{
		Endpoint: EndpointConfig{URL: "ws://localhost:8080/sync"},
		Cache: CacheConfig{
			Enabled: true,
			Path:    "collabdoc-cache.db",
			Prefix:  "collabdoc",
		},
		Log: LogConfig{Level: "info"},
		Sync: SyncConfig{
			ReconnectMinBackoff: 500 * time.Millisecond,
			ReconnectMaxBackoff: 30 * time.Second,
		},
	}

	if path := os.Getenv("COLLABDOC_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if url := os.Getenv("COLLABDOC_ENDPOINT_URL"); url != "" {
		cfg.Endpoint.URL = url
	}
	if token := os.Getenv("COLLABDOC_ENDPOINT_TOKEN"); token != "" {
		cfg.Endpoint.Token = token
	}
	if path := os.Getenv("COLLABDOC_CACHE_PATH"); path != "" {
		cfg.Cache.Path = path
	}
	if enabled := os.Getenv("COLLABDOC_CACHE_ENABLED"); enabled != "" {
		value, err := strconv.ParseBool(enabled)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLLABDOC_CACHE_ENABLED: %w", err)
		}
		cfg.Cache.Enabled = value
	}
	if level := os.Getenv("COLLABDOC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
