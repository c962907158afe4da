package insights

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned by every Service method when no jobs
	// backend was configured.
	ErrNotConfigured = errors.New("jobs backend not configured")

	// ErrRemoteUnavailable is returned when the remote backend cannot be
	// reached after retries.
	ErrRemoteUnavailable = errors.New("jobs backend unavailable")
)

// NotConfiguredError names the operation that needed a backend.
type NotConfiguredError struct {
	Operation string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("%s: no jobs backend configured; set jobs_backend.local or jobs_backend.base_url", e.Operation)
}

func (e *NotConfiguredError) Unwrap() error { return ErrNotConfigured }

// RemoteUnavailableError wraps the last transport error seen talking to a
// remote backend.
type RemoteUnavailableError struct {
	BaseURL string
	Err     error
}

func (e *RemoteUnavailableError) Error() string {
	return fmt.Sprintf("jobs backend at %s unavailable: %v", e.BaseURL, e.Err)
}

func (e *RemoteUnavailableError) Unwrap() []error { return []error{ErrRemoteUnavailable, e.Err} }
