package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: ".workgraph/workgraph.db",
		},
		JobsBackend: JobsBackendConfig{
			Local:   true,
			Timeout: Duration(10 * time.Second),
		},
		Scheduler: SchedulerConfig{
			MissingContextPolicy: "warn",
			DependencyPolicy:     "enforce",
			Phase:                "work",
		},
		Runner: RunnerConfig{
			Concurrency: 1,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: Duration(time.Second),
				MaxDelay:     Duration(30 * time.Second),
			},
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: Duration(30 * time.Second),
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Follow: FollowConfig{
			Interval: Duration(time.Second),
		},
		Events: EventsConfig{
			ChannelPrefix: "workgraph",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
	}
}
