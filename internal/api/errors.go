package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/sale-settlement/internal/errors"
	"github.com/sale-settlement/internal/logging"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{
		Status:  statusFailure,
		Message: message,
		Code:    code,
		Details: details,
	})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// respondServiceError maps a service error onto its HTTP response.
// Eligibility refusals carry only a failure status and message.
// System faults never leak their cause.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)

	if apperrors.IsEligibilityError(err) {
		respondJSON(w, catErr.StatusCode, ErrorResponse{Status: statusFailure, Message: catErr.Message})
		return
	}

	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
		respondError(w, catErr.StatusCode, catErr.Code, "An internal error occurred", nil)
		return
	}

	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}
