package handler

// RESPONSE HELPERS:
// Every JSON response goes through writeJSON and every failure through
// writeError. Failures are rendered by apperror.WriteHTTP, the same writer
// the auth and rate-limit middleware use, so all endpoints share one
// error shape.

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sakif/js-dojo/internal/apperror"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse = apperror.Response

// writeJSON sends data with the given status. Headers must be set before
// WriteHeader; anything set afterwards is silently dropped.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already out; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps err to a status and an ErrorResponse.
func writeError(w http.ResponseWriter, err error) {
	apperror.WriteHTTP(w, err)
}

// writeBadRequest reports a request the handler could not even parse.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "bad_request",
		Message: message,
	})
}
