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

// candidateNames are tried in order inside a config directory.
var candidateNames = []string{"config.yaml", "config.yml", "config.json"}

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files return an error. Fields
// absent from a file keep the value from the lower layer.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
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
// Global: ~/.workgraph/config.{yaml,yml,json}
// Project: .workgraph/config.{yaml,yml,json} (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	return Load(findConfig(filepath.Join(homeDir, ".workgraph")), findConfig(".workgraph"))
}

// findConfig returns the first existing candidate in dir, or the JSON path
// when none exists.
func findConfig(dir string) string {
	for _, name := range candidateNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(dir, "config.json")
}

// mergeConfigFile decodes the file at path over base. The format follows the
// file extension.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, base)
	} else {
		err = json.Unmarshal(data, base)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks enumerated settings and numeric bounds.
func (c *Config) Validate() error {
	var errs []error

	switch c.Scheduler.MissingContextPolicy {
	case "", "allow", "warn", "block":
	default:
		errs = append(errs, fmt.Errorf("scheduler.missing_context_policy: unknown policy %q", c.Scheduler.MissingContextPolicy))
	}
	switch c.Scheduler.DependencyPolicy {
	case "", "enforce", "ignore":
	default:
		errs = append(errs, fmt.Errorf("scheduler.dependency_policy: unknown policy %q", c.Scheduler.DependencyPolicy))
	}
	switch c.Scheduler.Phase {
	case "", "work", "review", "qa":
	default:
		errs = append(errs, fmt.Errorf("scheduler.phase: unknown phase %q", c.Scheduler.Phase))
	}
	if c.Runner.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("runner.concurrency must be at least 1, got %d", c.Runner.Concurrency))
	}
	if c.Runner.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("runner.retry.max_attempts must be at least 1, got %d", c.Runner.Retry.MaxAttempts))
	}
	if c.Follow.Interval <= 0 {
		errs = append(errs, fmt.Errorf("follow.interval must be positive"))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
