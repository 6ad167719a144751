package models

import (
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to Running", JobStatusPending, JobStatusRunning, false},
		{"Pending to Stopped", JobStatusPending, JobStatusStopped, false},
		{"Pending to Failed", JobStatusPending, JobStatusFailed, false},
		{"Running to Running", JobStatusRunning, JobStatusRunning, false},
		{"Running to Completed", JobStatusRunning, JobStatusCompleted, false},
		{"Running to Failed", JobStatusRunning, JobStatusFailed, false},
		{"Running to Stopped", JobStatusRunning, JobStatusStopped, false},

		// Invalid transitions
		{"Pending to Completed", JobStatusPending, JobStatusCompleted, true},
		{"Completed to Running", JobStatusCompleted, JobStatusRunning, true},
		{"Completed to Failed", JobStatusCompleted, JobStatusFailed, true},
		{"Failed to Running", JobStatusFailed, JobStatusRunning, true},
		{"Stopped to Completed", JobStatusStopped, JobStatusCompleted, true},
		{"Stopped to Stopped", JobStatusStopped, JobStatusStopped, true},
		{"Unknown source", JobStatus("queued"), JobStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    JobStatus
		expected bool
	}{
		{JobStatusPending, false},
		{JobStatusRunning, false},
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusStopped, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
			}
			if got := IsActiveState(tt.state); got == tt.expected {
				t.Errorf("IsActiveState(%v) = %v, want %v", tt.state, got, !tt.expected)
			}
		})
	}
}

func TestTransitionTo(t *testing.T) {
	job := &Job{ID: "job-1", Status: JobStatusPending}

	if err := job.TransitionTo(JobStatusRunning, "submitted"); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatal("StartedAt not set on running")
	}
	if err := job.TransitionTo(JobStatusRunning, "epoch"); err != nil {
		t.Fatalf("running -> running: %v", err)
	}
	if len(job.StateTransitions) != 1 {
		t.Errorf("self-transition recorded: %d transitions", len(job.StateTransitions))
	}

	if err := job.TransitionTo(JobStatusCompleted, "done"); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if job.Progress != 100 {
		t.Errorf("Progress = %v, want 100", job.Progress)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt not set on completed")
	}

	if err := job.TransitionTo(JobStatusFailed, "late"); err == nil {
		t.Error("expected terminal state to reject transition")
	}
	if job.Status != JobStatusCompleted {
		t.Errorf("Status = %v after rejected transition", job.Status)
	}
}

func TestCloneIsDeep(t *testing.T) {
	job := &Job{
		ID:      "job-1",
		Metrics: []Metrics{{Epoch: 1}},
		Logs:    []string{"a"},
	}
	c := job.Clone()
	c.Metrics[0].Epoch = 9
	c.Logs[0] = "b"

	if job.Metrics[0].Epoch != 1 || job.Logs[0] != "a" {
		t.Error("Clone shares slices with the original")
	}

	empty := (&Job{ID: "x"}).Clone()
	if empty.Metrics == nil || empty.Logs == nil {
		t.Error("Clone should produce non-nil slices for JSON output")
	}
}
