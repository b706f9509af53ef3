// Package httpx provides HTTP response helpers shared by the handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/budget"
	"github.com/nicktill/tinymeter/pkg/reading"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Code:    CodeFor(err),
		Message: err.Error(),
	}
	RespondJSON(w, status, response)
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// RespondFromError maps err onto a status with StatusFor and writes it.
// 5xx responses are logged.
func RespondFromError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	RespondError(w, status, err)
}

var statusTable = []struct {
	err    error
	status int
	code   string
}{
	{reading.ErrMalformedInput, http.StatusBadRequest, "malformed_input"},
	{reading.ErrInvalidRange, http.StatusBadRequest, "invalid_range"},
	{reading.ErrUnknownMeter, http.StatusNotFound, "unknown_meter"},
	{reading.ErrNotFound, http.StatusNotFound, "not_found"},
	{budget.ErrNoBudget, http.StatusNotFound, "no_budget"},
	{reading.ErrNoData, http.StatusNotFound, "no_data"},
	{account.ErrAlreadyRegistered, http.StatusConflict, "already_registered"},
	{reading.ErrMaintenanceWindow, http.StatusForbidden, "maintenance_window"},
	{reading.ErrQueueFull, http.StatusServiceUnavailable, "queue_full"},
	{reading.ErrWriterClosed, http.StatusServiceUnavailable, "writer_closed"},
	{reading.ErrStorageFailure, http.StatusServiceUnavailable, "storage_failure"},
	{reading.ErrArchivalIntegrity, http.StatusInternalServerError, "archival_integrity"},
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// CodeFor returns a stable machine-readable code for err ("" if unmapped).
func CodeFor(err error) string {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ""
}

// ErrorForCode is the inverse of CodeFor. It returns nil for unknown codes.
func ErrorForCode(code string) error {
	for _, e := range statusTable {
		if e.code == code {
			return e.err
		}
	}
	return nil
}
