package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
// Missing files are not errors; malformed files and invalid results are.
func Load(globalPath, projectPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.pipeline/config.yaml
// Project: .pipeline/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".pipeline", "config.yaml")
	projectPath := filepath.Join(".pipeline", "config.yaml")

	return Load(globalPath, projectPath)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// mergeConfigFile decodes a config file on top of base. Fields absent from
// the file keep their current values; map entries are merged by key.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, base); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration can drive a scheduler.
func (c *Config) Validate() error {
	var errs []error

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Limits.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("limits.max_concurrent_tasks must be at least 1, got %d", c.Limits.MaxConcurrentTasks))
	}
	if c.Limits.CPUPercent < 0 || c.Limits.NetworkMbps < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}

	switch c.Retry.Strategy {
	case RetryNone, RetryFixed, RetryLinear:
	case RetryExponential:
		if c.Retry.Multiplier != 0 && c.Retry.Multiplier <= 1 {
			errs = append(errs, fmt.Errorf("retry.multiplier must be greater than 1, got %g", c.Retry.Multiplier))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown retry.strategy %q", c.Retry.Strategy))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be at least 1, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if (c.Retry.Strategy == RetryLinear || c.Retry.Strategy == RetryExponential) && c.Retry.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay must be positive for the %s strategy", c.Retry.Strategy))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay %s is shorter than retry.base_delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay))
	}
	if c.Retry.BreakerThreshold < 0 {
		errs = append(errs, errors.New("retry.breaker_threshold must not be negative"))
	}

	if c.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("default_timeout must be positive"))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, errors.New("grace_period must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.ResultRetention < 0 {
		errs = append(errs, errors.New("result_retention must not be negative"))
	}

	for name, chain := range c.Chains {
		if len(chain.Steps) < 2 {
			errs = append(errs, fmt.Errorf("chain %q needs at least two steps", name))
		}
	}
	for kind, cmd := range c.Commands {
		if cmd.Command == "" {
			errs = append(errs, fmt.Errorf("command for kind %q is empty", kind))
		}
	}

	switch c.Store.Driver {
	case "":
	case "sqlite", "bolt":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
