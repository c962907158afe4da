package jobs

// State is a job lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StatePartial   State = "partial"
)

// transitions lists the legal moves of the state machine outside of resume.
var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateFailed, StateCancelled},
	StateRunning: {StatePaused, StateCompleted, StateFailed, StateCancelled, StatePartial},
	StatePaused:  {StateRunning, StateCancelled},
	StatePartial: {StateCancelled},
}

// resumable lists the states a resume may move to running. partial is only
// left for running this way. queued covers a run that wrote its plan
// checkpoint but died before Start.
var resumable = map[State]bool{
	StateQueued:  true,
	StatePaused:  true,
	StatePartial: true,
}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known state.
func (s State) IsValid() bool {
	switch s {
	case StateQueued, StateRunning, StatePaused, StateCompleted, StateFailed, StateCancelled, StatePartial:
		return true
	default:
		return false
	}
}

// CanResume reports whether a job in s may be resumed.
func CanResume(s State) bool {
	return resumable[s]
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
