package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning: true, // submitted to the worker pool
		JobStatusStopped: true, // stopped before it started
		JobStatusFailed:  true, // setup failed before submission
	},
	JobStatusRunning: {
		JobStatusRunning:   true, // epoch progress
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusStopped:   true,
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusStopped:   {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal
func IsTerminalState(status JobStatus) bool {
	return status == JobStatusCompleted ||
		status == JobStatusFailed ||
		status == JobStatusStopped
}

// IsActiveState returns true while the job may still make progress
func IsActiveState(status JobStatus) bool {
	return status == JobStatusPending || status == JobStatusRunning
}

// TransitionTo moves the job to a new status and records the transition.
// Self-transitions on running are validated but not recorded.
func (j *Job) TransitionTo(to JobStatus, reason string) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}
	if j.Status == to {
		return nil
	}
	now := time.Now()
	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status = to

	switch to {
	case JobStatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case JobStatusCompleted:
		j.Progress = 100
		j.CompletedAt = &now
	case JobStatusFailed, JobStatusStopped:
		j.CompletedAt = &now
	}
	return nil
}
