// Package config loads the lighthouse runner configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string         `yaml:"listen"`
	LogLevel string         `yaml:"log_level"`
	Docker   DockerConfig   `yaml:"docker"`
	Terminal TerminalConfig `yaml:"terminal"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Proxy    ProxyConfig    `yaml:"proxy"`
}

type DockerConfig struct {
	// Host overrides DOCKER_HOST when set.
	Host string `yaml:"host"`
	// Build enables building images from repoUrl on create.
	Build bool `yaml:"build"`
}

type TerminalConfig struct {
	ExitTimeout time.Duration `yaml:"exit_timeout"`
}

type SandboxConfig struct {
	MemoryLimit      string        `yaml:"memory_limit"` // e.g. 128m
	Timeout          time.Duration `yaml:"timeout"`
	MaxCallStackSize int           `yaml:"max_call_stack_size"`
	IdleTTL          time.Duration `yaml:"idle_ttl"`
}

type ProxyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Domain is the parent domain apps are served under, <name>.<domain>.
	Domain string `yaml:"domain"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Listen:   ":3000",
		LogLevel: "info",
		Docker:   DockerConfig{Build: true},
		Terminal: TerminalConfig{ExitTimeout: 10 * time.Second},
		Sandbox: SandboxConfig{
			MemoryLimit:      "128m",
			Timeout:          time.Second,
			MaxCallStackSize: 1024,
		},
		Proxy: ProxyConfig{Enabled: true, Domain: "localhost"},
	}
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "lighthouse", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "lighthouse", "config.yaml"), nil
}

// Load reads the config file at path, or the default path when path is
// empty. A missing file yields Default. Values absent from the file keep
// their defaults.
func Load(path string) (Config, string, error) {
	if path == "" {
		var err error
		if path, err = Path(); err != nil {
			return Config{}, "", err
		}
	}

	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, path, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, path, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return errors.New("listen must not be empty")
	}
	if _, err := c.SandboxMemoryBytes(); err != nil {
		return err
	}
	if c.Sandbox.Timeout < 0 {
		return fmt.Errorf("sandbox.timeout must not be negative, got %s", c.Sandbox.Timeout)
	}
	if c.Terminal.ExitTimeout < 0 {
		return fmt.Errorf("terminal.exit_timeout must not be negative, got %s", c.Terminal.ExitTimeout)
	}
	return nil
}

// SandboxMemoryBytes parses the sandbox memory ceiling. An empty value
// means the sandbox default.
func (c Config) SandboxMemoryBytes() (int64, error) {
	raw := strings.TrimSpace(c.Sandbox.MemoryLimit)
	if raw == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("sandbox.memory_limit %q: %w", raw, err)
	}
	return n, nil
}
