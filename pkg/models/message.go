package models

// MessageType tags a frame on the live channel
type MessageType string

const (
	MessageStatus  MessageType = "status"
	MessageMetrics MessageType = "metrics"
	MessageLog     MessageType = "log"
	MessageError   MessageType = "error"
)

// Message is one frame delivered to subscribers: {type, job_id, data}
type Message struct {
	Type  MessageType `json:"type"`
	JobID string      `json:"job_id"`
	Data  interface{} `json:"data"`
}

// StatusUpdate is the compact payload of a status frame
type StatusUpdate struct {
	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`
}

// EpochUpdate is the payload of a metrics frame
type EpochUpdate struct {
	Epoch       int     `json:"epoch"`
	TotalEpochs int     `json:"total_epochs"`
	Progress    float64 `json:"progress"`
	Metrics     Metrics `json:"metrics"`
}

// ErrorUpdate is the payload of an error frame
type ErrorUpdate struct {
	Error string `json:"error"`
}

// NewStatusMessage builds a compact status frame
func NewStatusMessage(jobID string, status JobStatus, progress float64) Message {
	return Message{Type: MessageStatus, JobID: jobID, Data: StatusUpdate{Status: status, Progress: progress}}
}

// NewSnapshotMessage builds a status frame carrying the full job record
func NewSnapshotMessage(job *Job) Message {
	return Message{Type: MessageStatus, JobID: job.ID, Data: job}
}

// NewLogMessage builds a log frame
func NewLogMessage(jobID, line string) Message {
	return Message{Type: MessageLog, JobID: jobID, Data: line}
}

// NewErrorMessage builds an error frame
func NewErrorMessage(jobID string, err string) Message {
	return Message{Type: MessageError, JobID: jobID, Data: ErrorUpdate{Error: err}}
}
