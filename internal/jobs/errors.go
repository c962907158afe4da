package jobs

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. The typed errors below unwrap to them.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrNoCheckpoint      = errors.New("no checkpoint")
	ErrManifestMismatch  = errors.New("plan manifest mismatch")
	ErrAlreadyRunning    = errors.New("job already running")
	ErrRunNotFound       = errors.New("run not found")
)

// InvalidTransitionError reports an illegal state change.
type InvalidTransitionError struct {
	JobID string
	From  State
	To    State
	Hint  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.From, e.To)
	if e.Hint != "" {
		msg += "; " + e.Hint
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// NoCheckpointError is returned when resuming a job that never checkpointed.
type NoCheckpointError struct {
	JobID string
}

func (e *NoCheckpointError) Error() string {
	return fmt.Sprintf("No checkpoints found for job %s; nothing to resume from", e.JobID)
}

func (e *NoCheckpointError) Unwrap() error { return ErrNoCheckpoint }

// ManifestMismatchError is returned when the work a checkpoint described no
// longer matches what would be selected now.
type ManifestMismatchError struct {
	JobID    string
	Recorded string
	Current  string
}

func (e *ManifestMismatchError) Error() string {
	return fmt.Sprintf("job %s: plan fingerprint %s does not match checkpoint %s; tasks changed since the job stopped",
		e.JobID, short(e.Current), short(e.Recorded))
}

func (e *ManifestMismatchError) Unwrap() error { return ErrManifestMismatch }

// AlreadyRunningError is returned when resuming a job that is running.
type AlreadyRunningError struct {
	JobID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("job %s is already running", e.JobID)
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// NotFoundError names the missing job.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

func (e *NotFoundError) Unwrap() error { return ErrJobNotFound }

func short(fingerprint string) string {
	if len(fingerprint) > 12 {
		return fingerprint[:12]
	}
	return fingerprint
}
