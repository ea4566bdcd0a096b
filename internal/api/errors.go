package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/fleet-core/internal/fleet"
	"github.com/nerrad567/fleet-core/internal/history"
	"github.com/nerrad567/fleet-core/internal/queue"
	"github.com/nerrad567/fleet-core/internal/task"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnavailable  = "unavailable"
	ErrCodeQueueFull    = "queue_full"
	ErrCodeRateLimited  = "rate_limited"
)

// queueFullRetryAfter is the Retry-After hint, in seconds, sent when an
// area queue rejects a submission.
const queueFullRetryAfter = "5"

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps fleet, task and history errors onto HTTP responses.
// Unrecognised errors are logged and reported as 500 with fallback as the
// message.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, fleet.ErrDeviceNotFound),
		errors.Is(err, fleet.ErrGroupNotFound),
		errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, history.ErrTaskNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, fleet.ErrDeviceExists),
		errors.Is(err, fleet.ErrGroupExists):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, fleet.ErrInvalidDevice),
		errors.Is(err, fleet.ErrInvalidSerial),
		errors.Is(err, fleet.ErrInvalidName),
		errors.Is(err, fleet.ErrInvalidDomain),
		errors.Is(err, fleet.ErrUnknownDomain),
		errors.Is(err, fleet.ErrNoDevices),
		errors.Is(err, fleet.ErrInvalidFirmware):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, queue.ErrFull):
		w.Header().Set("Retry-After", queueFullRetryAfter)
		writeError(w, http.StatusServiceUnavailable, ErrCodeQueueFull, err.Error())
	case errors.Is(err, fleet.ErrNotStarted),
		errors.Is(err, task.ErrPoolStopped),
		errors.Is(err, task.ErrAreaNotFound):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		writeInternalError(w, fallback)
	}
}
