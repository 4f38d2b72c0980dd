// Package config loads distill configuration from a YAML file layered
// with DISTILL_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Storage   StorageConfig   `koanf:"storage" yaml:"storage"`
	Provider  ProviderConfig  `koanf:"provider" yaml:"provider"`
	Templates TemplatesConfig `koanf:"templates" yaml:"templates"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
}

type StorageConfig struct {
	// DataDir holds session directories and the telemetry database.
	DataDir string `koanf:"data_dir" yaml:"data_dir"`
}

type ProviderConfig struct {
	// Name selects the extraction backend: auto, anthropic, openai or ollama.
	Name       string   `koanf:"name" yaml:"name"`
	Model      string   `koanf:"model" yaml:"model"`
	APIKey     Secret   `koanf:"api_key" yaml:"api_key"`
	BaseURL    string   `koanf:"base_url" yaml:"base_url"`
	Timeout    Duration `koanf:"timeout" yaml:"timeout"`
	MaxRetries int      `koanf:"max_retries" yaml:"max_retries"`
}

type TemplatesConfig struct {
	// Dirs are searched in order; later directories override earlier ones.
	Dirs []string `koanf:"dirs" yaml:"dirs"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

// Load reads configuration from the given path, falling back to
// DefaultConfigPath when path is empty. A missing file is not an error:
// defaults plus environment variables produce a working config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		var err error
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	if content, err := os.ReadFile(path); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// DISTILL_PROVIDER_MAX_RETRIES -> provider.max_retries
	if err := k.Load(env.Provider("DISTILL_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "DISTILL_"))
		parts := strings.SplitN(s, "_", 2)
		if len(parts) == 2 {
			return parts[0] + "." + parts[1]
		}
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) error {
	if cfg.Storage.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		cfg.Storage.DataDir = dir
	} else if expanded, err := expandHome(cfg.Storage.DataDir); err == nil {
		cfg.Storage.DataDir = expanded
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "auto"
	}
	if cfg.Provider.Timeout == 0 {
		cfg.Provider.Timeout = Duration(60 * time.Second)
	}
	if cfg.Provider.MaxRetries == 0 {
		cfg.Provider.MaxRetries = 3
	}

	if len(cfg.Templates.Dirs) == 0 {
		configDir, err := defaultConfigDir()
		if err != nil {
			return err
		}
		cfg.Templates.Dirs = []string{
			filepath.Join(configDir, "templates"),
			filepath.Join(".distill", "templates"),
		}
	} else {
		for i, dir := range cfg.Templates.Dirs {
			if expanded, err := expandHome(dir); err == nil {
				cfg.Templates.Dirs[i] = expanded
			}
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	return nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %s (must be console or json)", c.Logging.Format)
	}

	switch c.Provider.Name {
	case "auto", "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("invalid provider name: %s (must be auto, anthropic, openai, or ollama)", c.Provider.Name)
	}

	if c.Provider.MaxRetries < 0 {
		return fmt.Errorf("provider max_retries cannot be negative: %d", c.Provider.MaxRetries)
	}

	return nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Storage.DataDir, 0755)
}

// TelemetryPath returns the location of the local telemetry database.
func (c *Config) TelemetryPath() string {
	return filepath.Join(c.Storage.DataDir, "telemetry.db")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := defaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDataDir returns the default session storage location.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "distill"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "distill"), nil
}

func defaultConfigDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "distill"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "distill"), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}
