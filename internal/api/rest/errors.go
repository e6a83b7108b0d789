package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/smartsensor/smartsensor-ai/internal/middleware"
	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// APIError is the body of every non-2xx response.
type APIError struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeValidationFailed = "VALIDATION_FAILED"
	ErrCodeInsufficientData = "INSUFFICIENT_DATA"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeUnavailable      = "UNAVAILABLE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]string) {
	writeJSON(w, status, APIError{
		Error:     message,
		Code:      code,
		RequestID: middleware.RequestIDFromContext(r.Context()),
		Details:   details,
	})
}

// respondErr maps the domain error types onto HTTP statuses.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *models.ValidationError
		ierr *models.InsufficientDataError
		cerr *models.ConfigurationError
		maxb *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		respondError(w, r, http.StatusUnprocessableEntity, ErrCodeValidationFailed, verr.Error(),
			map[string]string{"field": verr.Field, "reason": verr.Reason})
	case errors.As(err, &ierr):
		respondError(w, r, http.StatusConflict, ErrCodeInsufficientData, ierr.Error(), nil)
	case errors.As(err, &cerr):
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, cerr.Error(), nil)
	case errors.As(err, &maxb):
		respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodeInvalidRequest, "request body too large", nil)
	default:
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, err.Error(), nil)
	}
}
