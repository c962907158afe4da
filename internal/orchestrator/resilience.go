package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/workgraph/internal/executor"
)

// RetryConfig configures exponential backoff between task attempts.
type RetryConfig struct {
	MaxAttempts         int           // Attempts per task including the first (default 3)
	InitialInterval     time.Duration // Initial retry interval (default 1s)
	MaxInterval         time.Duration // Maximum retry interval (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerConfig configures the breakers handed out by a registry.
type BreakerConfig struct {
	MaxFailures uint32        // Consecutive failures that open the breaker (default 5)
	OpenTimeout time.Duration // Time spent open before probing (default 30s)
}

// CircuitBreakerRegistry hands out one circuit breaker per name. The runner
// keys breakers by task type so a broken toolchain for one kind of task does
// not stall the others.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	logger   *slog.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry(cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CircuitBreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for name, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	maxFailures := r.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the executor's health
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[name] = cb
	return cb
}

// attemptFunc runs one attempt; attempt numbers start at 1.
type attemptFunc func(ctx context.Context, attempt int) (executor.Result, error)

// executeWithRetry calls fn through cb, retrying errors with exponential
// backoff up to cfg.MaxAttempts. A result reported as failed is final and is
// not retried. An open breaker stops retrying immediately.
func executeWithRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, cfg RetryConfig, fn attemptFunc) (executor.Result, error) {
	var (
		result  executor.Result
		attempt int
	)

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++

		out, err := cb.Execute(func() (interface{}, error) {
			return fn(ctx, attempt)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.(executor.Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0 // bounded by attempts instead

	maxRetries := cfg.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx)

	err := backoff.Retry(operation, b)
	return result, err
}

// stopRetry marks err as not worth another attempt.
func stopRetry(err error) error {
	return backoff.Permanent(err)
}
