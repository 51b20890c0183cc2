// Package session owns the per-project engine context: configuration, the
// layer registry, the cache store, backend selection, filter history, and
// the task runner. Everything is constructor-injected; no component reaches
// for hidden globals, which keeps the whole engine testable.
package session

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/filtermate/filtermate-go/backend"
)

// Config is the engine configuration, loaded from an optional TOML file with
// environment-variable overrides applied on top.
type Config struct {
	Cache    CacheConfig    `toml:"cache"`
	Backends BackendsConfig `toml:"backends"`
	Logging  LoggingConfig  `toml:"logging"`
}

// CacheConfig controls the FID cache store.
type CacheConfig struct {
	// Path of the cache database; ":memory:" keeps it session-local.
	Path string `toml:"path" env:"FILTERMATE_CACHE_PATH"`

	// TTLMinutes bounds cache entry lifetime.
	TTLMinutes int `toml:"ttl_minutes" env:"FILTERMATE_CACHE_TTL_MINUTES"`

	// CleanupOnClose removes all session cache entries when the session
	// shuts down.
	CleanupOnClose bool `toml:"cleanup_on_close" env:"FILTERMATE_CACHE_CLEANUP"`
}

// BackendsConfig controls backend availability and dialect options.
type BackendsConfig struct {
	// Available lists usable backends in preference order for the
	// terminal fallback.
	Available []string `toml:"available" env:"FILTERMATE_BACKENDS" envSeparator:","`

	// NativeSpatialite selects the ST_* dialect; off means the bbox
	// fallback functions.
	NativeSpatialite bool `toml:"native_spatialite" env:"FILTERMATE_NATIVE_SPATIALITE"`
}

// LoggingConfig controls the default logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" env:"FILTERMATE_LOG_LEVEL"`
}

// DefaultConfig returns the built-in defaults: in-memory cache, all
// backends available, info logging.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			Path:           ":memory:",
			TTLMinutes:     120,
			CleanupOnClose: true,
		},
		Backends: BackendsConfig{
			Available: []string{
				string(backend.TypePostgreSQL),
				string(backend.TypeSpatialite),
				string(backend.TypeOGR),
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig builds the configuration: defaults, then the TOML file at path
// (skipped when path is "" or the file is absent), then environment
// overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("session: parse config %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("session: env overrides: %w", err)
	}
	return cfg, nil
}

// TTL returns the cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// BackendTypes maps the configured availability list to typed tags,
// dropping unknown names.
func (c BackendsConfig) BackendTypes() []backend.Type {
	var out []backend.Type
	for _, name := range c.Available {
		switch backend.Type(name) {
		case backend.TypePostgreSQL, backend.TypeSpatialite, backend.TypeOGR:
			out = append(out, backend.Type(name))
		}
	}
	return out
}
