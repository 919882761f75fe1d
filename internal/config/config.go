// Package config loads the broker-wide tunables spec.md leaves to the
// deployment: arena size, thread pool cap, the stop-on-user-error policy
// latch, and where cmd/brokerd listens.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ipcbroker/ipcbroker/internal/constants"
)

// Config is the top-level broker configuration, loaded from YAML.
type Config struct {
	// ListenPath is the Unix domain socket path the broker listens on.
	ListenPath string `yaml:"listen_path"`

	// ArenaSize is the default shared buffer arena size granted to a newly
	// admitted process, in bytes (spec §4.1).
	ArenaSize int `yaml:"arena_size"`

	// MaxThreads caps a process's thread pool unless the process requests
	// a lower value at admission (spec §4.3).
	MaxThreads uint32 `yaml:"max_threads"`

	// StopOnUserError selects spec §4.6's policy: when true, a malformed
	// command aborts the rest of its write_read batch with an error instead
	// of merely erroring that one command.
	StopOnUserError bool `yaml:"stop_on_user_error"`

	// Logging controls the ambient logger.
	Logging LoggingConfig `yaml:"logging"`

	// MetricsAddr, if non-empty, is the address cmd/brokerd exports
	// Prometheus metrics on (e.g. "127.0.0.1:9090").
	MetricsAddr string `yaml:"metrics_addr"`
}

// LoggingConfig configures internal/logging's zerolog backend.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	NoColor  bool   `yaml:"no_color"`
}

// Default returns the configuration the broker runs with when no file is
// supplied, mirroring internal/constants' defaults.
func Default() *Config {
	return &Config{
		ListenPath:      constants.DefaultListenPath,
		ArenaSize:       constants.DefaultArenaSize,
		MaxThreads:      constants.DefaultMaxThreads,
		StopOnUserError: constants.DefaultStopOnUserError,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file at path, applying it on top of Default so
// an omitted field keeps its default rather than zeroing out.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configuration that would make the broker unusable
// rather than let the engine fail confusingly later (spec §4.1's arena
// size cap, §4.3's non-zero thread pool).
func (c *Config) Validate() error {
	if c.ArenaSize <= 0 {
		return fmt.Errorf("config: arena_size must be positive, got %d", c.ArenaSize)
	}
	if c.ArenaSize > constants.MaxArenaSize {
		return fmt.Errorf("config: arena_size %d exceeds max %d", c.ArenaSize, constants.MaxArenaSize)
	}
	if c.MaxThreads == 0 {
		return fmt.Errorf("config: max_threads must be at least 1")
	}
	if c.ListenPath == "" {
		return fmt.Errorf("config: listen_path must not be empty")
	}
	return nil
}
