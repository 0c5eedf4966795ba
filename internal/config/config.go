// Package config loads the sandbar daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind selects the execution backend at startup. The choice is a
// static configuration decision; a running daemon uses one backend for
// every project.
type BackendKind string

const (
	BackendLocal  BackendKind = "local"
	BackendDocker BackendKind = "docker"
)

// DockerConfig holds settings for the containerized backend.
type DockerConfig struct {
	// Image is the container image used for sandboxes.
	Image string `yaml:"image"`
	// Memory is the container memory ceiling (docker --memory syntax).
	Memory string `yaml:"memory"`
	// User is the non-root uid:gid the sandbox shell runs as.
	User string `yaml:"user"`
	// PingTimeout bounds the daemon reachability check at startup.
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// BaseDir is the root under which per-project workspaces live.
	BaseDir string `yaml:"base_dir"`
	// Backend selects the execution backend: "local" or "docker".
	Backend BackendKind `yaml:"backend"`
	// Docker configures the containerized backend.
	Docker DockerConfig `yaml:"docker"`
	// IdleTTL terminates sessions idle longer than this; 0 disables reaping.
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// ReapSchedule is the cron spec for the idle sweep.
	ReapSchedule string `yaml:"reap_schedule"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: ":8000",
		BaseDir:    filepath.Join(os.TempDir(), "sandbar"),
		Backend:    BackendLocal,
		Docker: DockerConfig{
			Image:       "python:3.11-slim",
			Memory:      "512m",
			User:        "1000:1000",
			PingTimeout: 10 * time.Second,
		},
		IdleTTL:      0,
		ReapSchedule: "@every 1m",
		LogLevel:     "info",
	}
}

// Load reads the config file at path, applies defaults for unset fields and
// environment overrides, then validates. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SANDBAR_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SANDBAR_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("SANDBAR_BACKEND"); v != "" {
		cfg.Backend = BackendKind(v)
	}
	if v := os.Getenv("SANDBAR_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("SANDBAR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks the configuration for values the daemon cannot start with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir must not be empty")
	}
	switch c.Backend {
	case BackendLocal, BackendDocker:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendLocal, BackendDocker)
	}
	if c.Backend == BackendDocker && c.Docker.Image == "" {
		return fmt.Errorf("docker.image must not be empty for the docker backend")
	}
	if c.IdleTTL < 0 {
		return fmt.Errorf("idle_ttl must not be negative")
	}
	return nil
}
