package scheduler

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeStatusFilter(t *testing.T) {
	got, warnings := NormalizeStatusFilter([]string{"Not-Started", "not started", "", "BLOCKED", "done"})
	if diff := cmp.Diff([]TaskStatus{StatusNotStarted}, got); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %v", warnings)
	}
}

func TestPhaseGate(t *testing.T) {
	tests := []struct {
		phase Phase
		dep   TaskStatus
		want  bool
	}{
		{PhaseWork, StatusNotStarted, false},
		{PhaseWork, StatusChangesRequested, false},
		{PhaseWork, StatusReadyToReview, true},
		{PhaseWork, StatusCompleted, true},
		{PhaseWork, StatusCancelled, false},
		{PhaseWork, StatusFailed, false},
		{PhaseReview, StatusReadyToReview, false},
		{PhaseReview, StatusReadyToQA, true},
		{PhaseQA, StatusReadyToQA, false},
		{PhaseQA, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase)+"/"+string(tt.dep), func(t *testing.T) {
			if got := tt.phase.GateSatisfied(tt.dep); got != tt.want {
				t.Errorf("GateSatisfied(%s) = %v, want %v", tt.dep, got, tt.want)
			}
		})
	}
}

func TestParsePhase(t *testing.T) {
	if p, err := ParsePhase(""); err != nil || p != PhaseWork {
		t.Errorf("empty phase: got %q, %v", p, err)
	}
	if p, err := ParsePhase(" QA "); err != nil || p != PhaseQA {
		t.Errorf("qa phase: got %q, %v", p, err)
	}
	if _, err := ParsePhase("deploy"); err == nil {
		t.Error("expected error for unknown phase")
	}
}

func TestDoneStatusPassesNextGate(t *testing.T) {
	// Finishing a task in one phase must unblock its dependents in the same phase
	for _, p := range []Phase{PhaseWork, PhaseReview, PhaseQA} {
		if !p.GateSatisfied(p.DoneStatus()) {
			t.Errorf("%s: done status %s does not pass the gate", p, p.DoneStatus())
		}
	}
	if PhaseReview.DoneStatus() != StatusReadyToQA {
		t.Errorf("review done status = %s", PhaseReview.DoneStatus())
	}
}
