package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning: true, // Queued → Running (worker picks up job)
	},
	JobStatusRunning: {
		JobStatusDone:  true, // Running → Done (result stored)
		JobStatusError: true, // Running → Error (terminal failure or retries exhausted)
	},
	// Terminal states (no transitions allowed)
	JobStatusDone:  {},
	JobStatusError: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusDone || state == JobStatusError
}

// IsActiveState returns true if the job has not reached a terminal state
func IsActiveState(state JobStatus) bool {
	return state == JobStatusQueued || state == JobStatusRunning
}

// TerminalStates lists the states cleanup may reclaim
func TerminalStates() []JobStatus {
	return []JobStatus{JobStatusDone, JobStatusError}
}
