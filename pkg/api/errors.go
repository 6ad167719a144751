package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/psantana5/yolotrain/pkg/dataset"
	"github.com/psantana5/yolotrain/pkg/models"
	"github.com/psantana5/yolotrain/pkg/store"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	Path       string `json:"path"`
}

// Error names carried in ErrorResponse.Error
const (
	ErrNameDatasetValidation = "DatasetValidationError"
	ErrNameDatasetExtraction = "DatasetExtractionError"
	ErrNameTrainingConfig    = "TrainingConfigError"
	ErrNameNotFound          = "TrainingNotFoundError"
	ErrNameStop              = "TrainingStopError"
	ErrNameResourceLimit     = "ResourceLimitError"
	ErrNameValidation        = "ValidationError"
	ErrNameAuthentication    = "AuthenticationError"
	ErrNameHTTP              = "HTTPException"
	ErrNameInternal          = "InternalServerError"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, name, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:      name,
		Message:    message,
		StatusCode: status,
		Path:       r.URL.Path,
	})
}

// classify maps an operation error onto its HTTP status, error name and message
func classify(err error, jobID string) (int, string, string) {
	var dsErr *dataset.Error
	var maxBytes *http.MaxBytesError

	switch {
	case errors.As(err, &dsErr) && errors.Is(err, dataset.ErrValidationFailed):
		return http.StatusBadRequest, ErrNameDatasetValidation, "Dataset validation failed: " + dsErr.Reason
	case errors.As(err, &dsErr) && errors.Is(err, dataset.ErrExtractionFailed):
		return http.StatusBadRequest, ErrNameDatasetExtraction, "Failed to extract dataset: " + dsErr.Reason
	case errors.As(err, &maxBytes):
		return http.StatusBadRequest, ErrNameDatasetValidation,
			fmt.Sprintf("Dataset validation failed: request body exceeds %d bytes", maxBytes.Limit)
	case errors.Is(err, models.ErrConfigurationInvalid):
		detail := strings.TrimPrefix(err.Error(), models.ErrConfigurationInvalid.Error()+": ")
		return http.StatusBadRequest, ErrNameTrainingConfig, "Invalid training configuration: " + detail
	case errors.Is(err, store.ErrJobNotFound):
		return http.StatusNotFound, ErrNameNotFound, fmt.Sprintf("Training job '%s' not found", jobID)
	default:
		return http.StatusInternalServerError, ErrNameInternal, "Internal server error"
	}
}
