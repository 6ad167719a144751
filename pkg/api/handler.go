package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/yolotrain/pkg/fanout"
	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/models"
)

// Title is reported by the root endpoint
const Title = "YOLO Training API"

// Trainings is the training orchestrator behind the API
type Trainings interface {
	Start(ctx context.Context, cfg models.TrainingConfig, archiveB64 string) (string, error)
	Get(jobID string) (*models.Job, error)
	List() ([]*models.Job, error)
	Stop(jobID string) bool
	Cleanup(jobID string) error
	Results(jobID string) (*models.Results, error)
	Subscribe(jobID string, sub fanout.Subscriber) error
	Unsubscribe(jobID string, sub fanout.Subscriber)
	ActiveJobs() int
}

// Handler serves the training API
type Handler struct {
	trainings    Trainings
	logger       *logging.Logger
	version      string
	maxBodyBytes int64
	ws           wsConfig
}

// Option configures a Handler
type Option func(*Handler)

func WithLogger(l *logging.Logger) Option { return func(h *Handler) { h.logger = l } }

func WithVersion(v string) Option { return func(h *Handler) { h.version = v } }

// WithMaxBodyBytes bounds the start request body, base64 archive included
func WithMaxBodyBytes(n int64) Option { return func(h *Handler) { h.maxBodyBytes = n } }

// WithAllowedOrigins restricts websocket upgrades to these origins; "*" allows any
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) { h.ws.origins = origins }
}

// NewHandler creates a handler over t
func NewHandler(t Trainings, opts ...Option) *Handler {
	h := &Handler{
		trainings: t,
		logger:    logging.Nop(),
		version:   "dev",
		ws:        defaultWSConfig(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("api")
	return h
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.Root).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")

	// specific routes before parameterized ones
	r.HandleFunc("/api/training/start", h.StartTraining).Methods("POST")
	r.HandleFunc("/api/training/list", h.ListTrainings).Methods("GET")
	r.HandleFunc("/api/training/status/{id}", h.GetStatus).Methods("GET")
	r.HandleFunc("/api/training/stop/{id}", h.StopTraining).Methods("POST")
	r.HandleFunc("/api/training/{id}/results", h.GetResults).Methods("GET")
	r.HandleFunc("/api/training/{id}", h.DeleteTraining).Methods("DELETE")

	r.HandleFunc("/ws/training/{id}", h.TrainingWebSocket)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrNameHTTP, "Not Found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrNameHTTP, "Method Not Allowed")
	})
}

// fail writes the reply for an operation error
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, jobID string) {
	status, name, message := classify(err, jobID)
	fields := map[string]interface{}{
		"error_type":  name,
		"status_code": status,
		"path":        r.URL.Path,
		"request_id":  RequestID(r.Context()),
	}
	if status >= http.StatusInternalServerError {
		fields["error"] = err.Error()
		h.logger.Error("Unexpected error", fields)
	} else {
		fields["message"] = message
		h.logger.Warn("API error", fields)
	}
	writeError(w, r, status, name, message)
}

// Root describes the service
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": Title,
		"version": h.version,
		"status":  "running",
	})
}

// Health returns the health status of the server
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     h.version,
		"active_jobs": h.trainings.ActiveJobs(),
	})
}

// StartTraining accepts a config plus base64 dataset archive and starts a job
func (h *Handler) StartTraining(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	// decode onto defaults so omitted fields keep them
	req := models.StartTrainingRequest{Config: models.DefaultTrainingConfig()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			h.fail(w, r, err, "")
			return
		}
		writeError(w, r, http.StatusUnprocessableEntity, ErrNameValidation, "Request validation failed: "+err.Error())
		return
	}
	if req.DatasetZip == "" {
		writeError(w, r, http.StatusUnprocessableEntity, ErrNameValidation, "Request validation failed: dataset_zip is required")
		return
	}

	jobID, err := h.trainings.Start(r.Context(), req.Config, req.DatasetZip)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}

	writeJSON(w, http.StatusOK, models.StartTrainingResponse{
		JobID:   jobID,
		Message: fmt.Sprintf("Training job %s started successfully", jobID),
	})
}

// ListTrainings returns a summary of every job
func (h *Handler) ListTrainings(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.trainings.List()
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	list := models.JobList{Jobs: make([]models.JobSummary, 0, len(jobs)), Total: len(jobs)}
	for _, j := range jobs {
		list.Jobs = append(list.Jobs, j.Summary())
	}
	writeJSON(w, http.StatusOK, list)
}

// GetStatus returns the full job record
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.trainings.Get(id)
	if err != nil {
		h.fail(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// StopTraining flips a pending or running job to stopped
func (h *Handler) StopTraining(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.trainings.Stop(id) {
		writeError(w, r, http.StatusBadRequest, ErrNameStop,
			fmt.Sprintf("Cannot stop training job '%s': Job not found or already stopped", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Training job %s stopped", id)})
}

// DeleteTraining removes a job and its files; unknown jobs succeed
func (h *Handler) DeleteTraining(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.trainings.Cleanup(id); err != nil {
		h.fail(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": fmt.Sprintf("Training job %s deleted", id)})
}

// GetResults returns epoch metrics and which output files exist
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := h.trainings.Results(id)
	if err != nil {
		h.fail(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
