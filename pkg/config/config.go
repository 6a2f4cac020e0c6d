package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from config.yaml in the
// workspace root. Flags override file values; absent file means defaults.
type Config struct {
	// Workspace is the durable state root. Every persistence component
	// writes under this directory.
	Workspace string `yaml:"workspace"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// ContainerPrefix scopes orphan scanning to containers and networks
	// whose names begin with this prefix.
	ContainerPrefix string `yaml:"container_prefix"`

	// ContainerdSocket is the containerd socket path. Empty disables the
	// container runtime (jobs run as plain child processes only).
	ContainerdSocket string `yaml:"containerd_socket"`

	// MaxConcurrentJobs caps how many jobs the scheduler runs at once.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// Retention is how long finished jobs stay in the queue store.
	Retention time.Duration `yaml:"retention"`

	// CallbackTimeout is the per-request webhook delivery timeout.
	CallbackTimeout time.Duration `yaml:"callback_timeout"`

	// OrphanGracePeriod is how old a sentinel-less workspace must be
	// before it is considered orphaned.
	OrphanGracePeriod time.Duration `yaml:"orphan_grace_period"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogJSON forces structured JSON logs even on a TTY.
	LogJSON bool `yaml:"log_json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Workspace:         "/var/lib/cidx",
		ListenAddr:        ":8090",
		ContainerPrefix:   "cidx-",
		MaxConcurrentJobs: 4,
		Retention:         7 * 24 * time.Hour,
		CallbackTimeout:   30 * time.Second,
		OrphanGracePeriod: 10 * time.Minute,
		LogLevel:          "info",
	}
}

// Load reads path and merges it over the defaults. A missing file returns
// defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1, got %d", c.MaxConcurrentJobs)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}
