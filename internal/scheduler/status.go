package scheduler

import (
	"fmt"
	"strings"
)

// Phase names a step of the delivery workflow. Each phase has its own set of
// candidate statuses and an entry gate its blocking dependencies must pass.
type Phase string

const (
	PhaseWork   Phase = "work"
	PhaseReview Phase = "review"
	PhaseQA     Phase = "qa"
)

// retiredStatuses were valid once and are still found in old filters.
// Blocking is now derived from dependencies, never stored.
var retiredStatuses = map[string]bool{
	"blocked": true,
}

// stageRank orders statuses along the workflow. Statuses missing from the
// map (cancelled, failed) never satisfy a gate.
var stageRank = map[TaskStatus]int{
	StatusNotStarted:       0,
	StatusInProgress:       1,
	StatusChangesRequested: 1,
	StatusReadyToReview:    2,
	StatusReadyToQA:        3,
	StatusCompleted:        4,
}

var knownStatuses = map[TaskStatus]bool{
	StatusNotStarted:       true,
	StatusInProgress:       true,
	StatusChangesRequested: true,
	StatusReadyToReview:    true,
	StatusReadyToQA:        true,
	StatusCompleted:        true,
	StatusCancelled:        true,
	StatusFailed:           true,
}

type phaseSpec struct {
	candidates []TaskStatus
	gate       TaskStatus // minimum dependency status
	done       TaskStatus // status a task moves to when the phase finishes it
}

var phases = map[Phase]phaseSpec{
	PhaseWork: {
		candidates: []TaskStatus{StatusNotStarted, StatusInProgress, StatusChangesRequested},
		gate:       StatusReadyToReview,
		done:       StatusReadyToReview,
	},
	PhaseReview: {
		candidates: []TaskStatus{StatusReadyToReview},
		gate:       StatusReadyToQA,
		done:       StatusReadyToQA,
	},
	PhaseQA: {
		candidates: []TaskStatus{StatusReadyToQA},
		gate:       StatusCompleted,
		done:       StatusCompleted,
	},
}

// IsKnown reports whether s is part of the current status vocabulary.
func (s TaskStatus) IsKnown() bool {
	return knownStatuses[s]
}

// IsTerminal reports whether no further work is expected on the task.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParsePhase validates a phase name. Empty selects the work phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PhaseWork, nil
	}
	if _, ok := phases[p]; !ok {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// DefaultStatuses returns the candidate statuses of a phase.
func (p Phase) DefaultStatuses() []TaskStatus {
	ps, ok := phases[p]
	if !ok {
		ps = phases[PhaseWork]
	}
	out := make([]TaskStatus, len(ps.candidates))
	copy(out, ps.candidates)
	return out
}

// GateSatisfied reports whether a dependency in status dep no longer blocks
// a task entering this phase.
func (p Phase) GateSatisfied(dep TaskStatus) bool {
	ps, ok := phases[p]
	if !ok {
		ps = phases[PhaseWork]
	}
	rank, ok := stageRank[dep]
	if !ok {
		return false
	}
	return rank >= stageRank[ps.gate]
}

// DoneStatus is the status a task reaches when this phase's work on it
// succeeds.
func (p Phase) DoneStatus() TaskStatus {
	ps, ok := phases[p]
	if !ok {
		ps = phases[PhaseWork]
	}
	return ps.done
}

// NormalizeStatus canonicalizes a user-supplied status token.
func NormalizeStatus(token string) string {
	s := strings.ToLower(strings.TrimSpace(token))
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// NormalizeStatusFilter canonicalizes tokens and drops the ones that are
// retired or unknown, returning one warning per dropped token. Duplicates
// collapse silently.
func NormalizeStatusFilter(tokens []string) ([]TaskStatus, []string) {
	var out []TaskStatus
	var warnings []string
	seen := make(map[TaskStatus]bool)

	for _, raw := range tokens {
		s := NormalizeStatus(raw)
		if s == "" {
			continue
		}
		if retiredStatuses[s] {
			warnings = append(warnings, fmt.Sprintf("status %q is retired and was ignored", raw))
			continue
		}
		status := TaskStatus(s)
		if !status.IsKnown() {
			warnings = append(warnings, fmt.Sprintf("status %q is not supported and was ignored", raw))
			continue
		}
		if seen[status] {
			continue
		}
		seen[status] = true
		out = append(out, status)
	}

	return out, warnings
}
