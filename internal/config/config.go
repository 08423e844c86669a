// Package config loads handoffcache settings: defaults, then the YAML file,
// then HANDOFFCACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "handoffcache.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HANDOFFCACHE_"

// Config contains all tunable parameters.
// These can be overridden via handoffcache.yaml and the environment.
type Config struct {
	// Proxy
	Listen   string `yaml:"listen" env:"LISTEN"`     // Address the proxy listens on (default: :8787)
	Upstream string `yaml:"upstream" env:"UPSTREAM"` // Backend origin requests are resolved against

	// Cache
	CacheDir       string `yaml:"cacheDir" env:"CACHE_DIR"`             // Partition database and blobs (default: .handoffcache)
	Namespace      string `yaml:"namespace" env:"NAMESPACE"`            // Partition name prefix (default: handoff)
	WorkerManifest string `yaml:"workerManifest" env:"WORKER_MANIFEST"` // Worker manifest path (default: worker.yaml)

	// Workers
	PrecacheWorkers int `yaml:"precacheWorkers" env:"PRECACHE_WORKERS"` // Parallel audio precache fetches (default: 4)
	NotifyBuffer    int `yaml:"notifyBuffer" env:"NOTIFY_BUFFER"`       // Per-client broadcast buffer (default: 16)

	// Timeouts
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`   // Server shutdown timeout (default: 5s)
	DebounceDuration time.Duration `yaml:"debounceDuration" env:"DEBOUNCE_DURATION"` // Manifest watcher debounce (default: 500ms)
	CacheDBTimeout   time.Duration `yaml:"cacheDBTimeout" env:"CACHE_DB_TIMEOUT"`    // BoltDB lock timeout (default: 10s)
	UpstreamTimeout  time.Duration `yaml:"upstreamTimeout" env:"UPSTREAM_TIMEOUT"`   // 0 means no client timeout

	Dev bool `yaml:"dev" env:"DEV"` // Relaxed fsync, debug logging
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:         ":8787",
		Upstream:       "http://localhost:8080",
		CacheDir:       ".handoffcache",
		Namespace:      "handoff",
		WorkerManifest: "worker.yaml",

		PrecacheWorkers: 4,
		NotifyBuffer:    16,

		ShutdownTimeout:  5 * time.Second,
		DebounceDuration: 500 * time.Millisecond,
		CacheDBTimeout:   10 * time.Second,
	}
}

// Load reads configuration from path. A missing file is not an error; a
// malformed one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// File doesn't exist, use defaults
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpstreamURL returns the parsed upstream origin.
func (c *Config) UpstreamURL() *url.URL {
	u, _ := url.Parse(c.Upstream)
	return u
}

// validate rejects unusable values and clamps the rest into bounds.
func (c *Config) validate() error {
	u, err := url.Parse(c.Upstream)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("upstream %q must be an absolute URL", c.Upstream)
	}
	// Cache keys are absolute URLs on this origin, so a path prefix
	// would make proxy keys and message URLs disagree.
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return fmt.Errorf("upstream %q must be an origin without a path", c.Upstream)
	}
	c.Upstream = strings.TrimSuffix(c.Upstream, "/")

	c.Namespace = strings.TrimSpace(c.Namespace)
	if c.Namespace == "" || strings.Contains(c.Namespace, "-") {
		return fmt.Errorf("namespace %q must be non-empty and contain no '-'", c.Namespace)
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultConfig().CacheDir
	}
	if c.WorkerManifest == "" {
		c.WorkerManifest = DefaultConfig().WorkerManifest
	}

	// Workers
	if c.PrecacheWorkers < 1 {
		c.PrecacheWorkers = 1
	}
	if c.PrecacheWorkers > 32 {
		c.PrecacheWorkers = 32
	}
	if c.NotifyBuffer < 1 {
		c.NotifyBuffer = 1
	}
	if c.NotifyBuffer > 1024 {
		c.NotifyBuffer = 1024
	}

	// Timeouts
	if c.ShutdownTimeout < 1*time.Second {
		c.ShutdownTimeout = 1 * time.Second
	}
	if c.ShutdownTimeout > 60*time.Second {
		c.ShutdownTimeout = 60 * time.Second
	}
	if c.DebounceDuration < 10*time.Millisecond {
		c.DebounceDuration = 10 * time.Millisecond
	}
	if c.DebounceDuration > 5*time.Second {
		c.DebounceDuration = 5 * time.Second
	}
	if c.CacheDBTimeout < 1*time.Second {
		c.CacheDBTimeout = 1 * time.Second
	}
	if c.UpstreamTimeout < 0 {
		c.UpstreamTimeout = 0
	}
	return nil
}
