package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level workgraph configuration.
type Config struct {
	Store       StoreConfig       `json:"store" yaml:"store"`
	JobsBackend JobsBackendConfig `json:"jobs_backend" yaml:"jobs_backend"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Runner      RunnerConfig      `json:"runner" yaml:"runner"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Follow      FollowConfig      `json:"follow" yaml:"follow"`
	Events      EventsConfig      `json:"events" yaml:"events"`
	Server      ServerConfig      `json:"server" yaml:"server"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"` // ":memory:" for an ephemeral store
}

// JobsBackendConfig selects where job insights come from. With Local set the
// local store is used; otherwise BaseURL points at a jobs API server. When
// neither is set, insights report that no backend is configured.
type JobsBackendConfig struct {
	Local   bool     `json:"local" yaml:"local"`
	BaseURL string   `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKey  string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// Configured reports whether any backend is selected.
func (c JobsBackendConfig) Configured() bool {
	return c.Local || c.BaseURL != ""
}

// SchedulerConfig holds selection defaults applied when a command does not
// override them.
type SchedulerConfig struct {
	MissingContextPolicy string `json:"missing_context_policy" yaml:"missing_context_policy"`
	DependencyPolicy     string `json:"dependency_policy" yaml:"dependency_policy"`
	Phase                string `json:"phase" yaml:"phase"`
}

// RunnerConfig controls how selected tasks are executed.
type RunnerConfig struct {
	Concurrency int           `json:"concurrency" yaml:"concurrency"`
	Command     []string      `json:"command,omitempty" yaml:"command,omitempty"` // argv run once per task
	WorkDir     string        `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	TaskTimeout Duration      `json:"task_timeout" yaml:"task_timeout"` // 0 disables
	Retry       RetryConfig   `json:"retry" yaml:"retry"`
	Breaker     BreakerConfig `json:"breaker" yaml:"breaker"`
}

// RetryConfig bounds retries of a failing task execution.
type RetryConfig struct {
	MaxAttempts  int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay" yaml:"max_delay"`
}

// BreakerConfig configures the circuit breaker around the executor.
type BreakerConfig struct {
	MaxFailures  uint32   `json:"max_failures" yaml:"max_failures"`
	ResetTimeout Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
}

// FollowConfig controls log following.
type FollowConfig struct {
	Interval Duration `json:"interval" yaml:"interval"`
}

// EventsConfig enables relaying job events to Redis.
type EventsConfig struct {
	RedisURL      string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	ChannelPrefix string `json:"channel_prefix" yaml:"channel_prefix"`
}

// ServerConfig configures the jobs API server.
type ServerConfig struct {
	Addr   string `json:"addr" yaml:"addr"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s") in
// config files. Plain numbers are read as milliseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
	case int:
		*d = Duration(time.Duration(v) * time.Millisecond)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}
