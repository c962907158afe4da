package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrScopeNotFound is the sentinel wrapped by ScopeNotFoundError.
var ErrScopeNotFound = errors.New("scope not found")

// ScopeNotFoundError reports that an explicit selection scope matched nothing.
type ScopeNotFoundError struct {
	Kind string   // "task", "epic" or "story"
	Keys []string // The keys that failed to resolve
}

func (e *ScopeNotFoundError) Error() string {
	return fmt.Sprintf("%s scope not found: %s", e.Kind, strings.Join(e.Keys, ", "))
}

func (e *ScopeNotFoundError) Unwrap() error {
	return ErrScopeNotFound
}
