package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a training job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusStopped   JobStatus = "stopped"
)

// Job is one training run plus its tracked state
type Job struct {
	ID               string            `json:"job_id"`
	Name             string            `json:"name,omitempty"`
	Status           JobStatus         `json:"status"`
	Progress         float64           `json:"progress"` // 0-100
	CurrentEpoch     int               `json:"current_epoch"`
	TotalEpochs      int               `json:"total_epochs"`
	Metrics          []Metrics         `json:"metrics"`
	Logs             []string          `json:"logs"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// Metrics is the immutable snapshot recorded at the end of one epoch
type Metrics struct {
	Epoch        int     `json:"epoch"`
	TrainLoss    float64 `json:"train_loss"`
	ValLoss      float64 `json:"val_loss"`
	MAP50        float64 `json:"map50"`
	MAP50_95     float64 `json:"map50_95"`
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	LearningRate float64 `json:"learning_rate"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Clone returns a deep copy so callers never share slices with the registry
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Metrics = append([]Metrics(nil), j.Metrics...)
	c.Logs = append([]string(nil), j.Logs...)
	c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if c.Metrics == nil {
		c.Metrics = []Metrics{}
	}
	if c.Logs == nil {
		c.Logs = []string{}
	}
	return &c
}

// LastEpoch returns the epoch of the latest metrics record, or 0
func (j *Job) LastEpoch() int {
	if len(j.Metrics) == 0 {
		return 0
	}
	return j.Metrics[len(j.Metrics)-1].Epoch
}

// StartTrainingRequest is the body of POST /api/training/start
type StartTrainingRequest struct {
	Config     TrainingConfig `json:"config"`
	DatasetZip string         `json:"dataset_zip"` // base64
}

// StartTrainingResponse is returned once a job has been accepted
type StartTrainingResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// JobSummary is the list view of a job
type JobSummary struct {
	ID           string     `json:"job_id"`
	Name         string     `json:"name"`
	Status       JobStatus  `json:"status"`
	Progress     float64    `json:"progress"`
	CurrentEpoch int        `json:"current_epoch"`
	TotalEpochs  int        `json:"total_epochs"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// Summary returns the list view of j
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:           j.ID,
		Name:         j.Name,
		Status:       j.Status,
		Progress:     j.Progress,
		CurrentEpoch: j.CurrentEpoch,
		TotalEpochs:  j.TotalEpochs,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// JobList is returned by the list endpoint
type JobList struct {
	Jobs  []JobSummary `json:"jobs"`
	Total int          `json:"total"`
}

// Results summarizes the metrics and artifacts of a job
type Results struct {
	JobID        string    `json:"job_id"`
	Status       JobStatus `json:"status"`
	Metrics      []Metrics `json:"metrics"`
	BestEpoch    int       `json:"best_epoch,omitempty"`
	BestMAP50_95 float64   `json:"best_map50_95,omitempty"`
	Files        Artifacts `json:"files"`
}

// Artifacts reports which training outputs exist on disk
type Artifacts struct {
	ResultsChart    bool `json:"results_chart"`
	ConfusionMatrix bool `json:"confusion_matrix"`
	BestModel       bool `json:"best_model"`
	LastModel       bool `json:"last_model"`
	ResultsCSV      bool `json:"results_csv"`
}
