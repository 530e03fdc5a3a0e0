package apperror

// HTTP MAPPING:
// Handlers, the auth middleware and the rate limiter all answer failures
// through WriteHTTP, so every non-2xx body has one shape:
//
//	{"error": "validation_rejected", "message": "use of fetch is not allowed for security reasons", "field": "fetch"}
//
// "error" is Kind, the same string the websocket frames, the run journal
// and the metrics labels use.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Response is the body of every non-2xx API response.
type Response struct {
	Error   string `json:"error"`           // Machine-readable kind, e.g. "timeout"
	Message string `json:"message"`         // Human-readable, localized for sandbox failures
	Field   string `json:"field,omitempty"` // Offending field or construct, when known
}

// StatusCode maps err to its HTTP status.
//
// A run that fails because of the submitted code (validation, a thrown
// exception) is 422: the request was well formed, the code was not. A
// malformed request is 400. A run superseded by a newer one in the same
// slot is 409. Timeouts are 504 because the worker, not the client, ran
// out of time.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrEmptyInput),
		errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest // 400
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrRuntime):
		return http.StatusUnprocessableEntity // 422
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout // 504
	case errors.Is(err, ErrCancelled):
		return http.StatusConflict // 409
	case errors.Is(err, ErrWorkerSpawn):
		return http.StatusServiceUnavailable // 503
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound // 404
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized // 401
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests // 429
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes err as a Response with StatusCode(err). Headers the
// caller wants (Retry-After, WWW-Authenticate) must be set before calling.
//
// Only *AppError messages reach the client. Anything else may carry SQL,
// file paths or container ids, so it becomes a generic 500.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := Response{Error: "internal_error", Message: "An internal error occurred"}

	var appErr *AppError
	if errors.As(err, &appErr) {
		status = StatusCode(err)
		body = Response{Error: Kind(err), Message: appErr.Message, Field: appErr.Field}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are already out; all we can do is log.
		slog.Error("failed to encode error response", slog.String("error", err.Error()))
	}
}
