package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/appengine-go/internal/apperr"
	"github.com/flexinfer/mentatlab/services/appengine-go/internal/registry"
)

// Error codes for failures that do not originate in the engine.
const (
	ErrCodeAuthRequired   = "auth_required"
	ErrCodeForbidden      = "forbidden"
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string                 `json:"error"`                // Short error code
	Message   string                 `json:"message"`              // Human-readable message
	Details   map[string]interface{} `json:"details,omitempty"`    // Optional additional details
	RequestID string                 `json:"request_id,omitempty"` // Request ID for correlation
}

// requestIDContextKey is the context key for request ID.
type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	// Fall back to request header (set by gateway)
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return ErrCodeAuthRequired
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// statuses maps error kinds to response codes. Kinds absent here are
// internal errors.
var statuses = []struct {
	err    error
	status int
}{
	{apperr.ErrRunNotFound, http.StatusNotFound},
	{apperr.ErrTaskNotFound, http.StatusNotFound},
	{registry.ErrTaskNotFound, http.StatusNotFound},
	{apperr.ErrParameterNotFound, http.StatusNotFound},
	{apperr.ErrInvalidRunState, http.StatusConflict},
	{apperr.ErrNotProvisioned, http.StatusConflict},
	{registry.ErrTaskExists, http.StatusConflict},
	{apperr.ErrUnauthenticatedOutputs, http.StatusForbidden},
	{apperr.ErrParameterTypeMismatch, http.StatusBadRequest},
	{apperr.ErrConstraintViolation, http.StatusBadRequest},
	{apperr.ErrInvalidFormat, http.StatusBadRequest},
	{apperr.ErrInvalidIndexPath, http.StatusBadRequest},
	{apperr.ErrCollectionSize, http.StatusBadRequest},
	{apperr.ErrMissingMetadata, http.StatusBadRequest},
	{apperr.ErrInvalidStructure, http.StatusBadRequest},
	{apperr.ErrUnknownState, http.StatusBadRequest},
	{apperr.ErrMissingOutputs, http.StatusBadRequest},
	{apperr.ErrUnknownOutput, http.StatusBadRequest},
	{apperr.ErrMatchSizeMismatch, http.StatusBadRequest},
	{apperr.ErrMatchIndexMisalignment, http.StatusBadRequest},
	{apperr.ErrInvalidRequest, http.StatusBadRequest},
	{registry.ErrInvalidDescriptor, http.StatusBadRequest},
	{apperr.ErrScheduling, http.StatusServiceUnavailable},
}

// StatusOf returns the HTTP status for an engine error.
func StatusOf(err error) int {
	var batch *apperr.BatchError
	if errors.As(err, &batch) {
		return http.StatusBadRequest
	}
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			return s.status
		}
	}
	return http.StatusInternalServerError
}

// errorCode returns the engine code for err, falling back to the code of the
// status for errors raised by stores.
func errorCode(err error, status int) string {
	if code := apperr.Code(err); code != "internal_error" {
		return code
	}
	switch {
	case errors.Is(err, registry.ErrTaskNotFound):
		return "task_not_found"
	case errors.Is(err, registry.ErrTaskExists):
		return "task_exists"
	case errors.Is(err, registry.ErrInvalidDescriptor):
		return "invalid_descriptor"
	}
	return HTTPStatusToErrorCode(status)
}

// errorDetails exposes the parameter attribution of classified errors and
// every entry of a batch.
func errorDetails(err error) map[string]interface{} {
	var batch *apperr.BatchError
	if errors.As(err, &batch) {
		items := make([]map[string]interface{}, 0, len(batch.Errors))
		for _, e := range batch.Errors {
			items = append(items, detail(e))
		}
		return map[string]interface{}{"errors": items}
	}
	var e *apperr.Error
	if errors.As(err, &e) && (e.Parameter != "" || e.Constraint != "") {
		return detail(e)
	}
	return nil
}

func detail(e *apperr.Error) map[string]interface{} {
	d := map[string]interface{}{
		"error":   e.Code(),
		"message": e.Message,
	}
	if e.Parameter != "" {
		d["parameter"] = e.Parameter
	}
	if e.Constraint != "" {
		d["constraint"] = string(e.Constraint)
	}
	return d
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]interface{}) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
