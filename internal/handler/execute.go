// Package handler contains the HTTP and websocket handlers of the dojo API.
//
// Handlers are the glue between HTTP and the service layer: they parse the
// request, call the service with the caller's subject and write the
// response. Business rules live in package service.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/auth"
	"github.com/sakif/js-dojo/internal/controller"
	"github.com/sakif/js-dojo/internal/model"
	"github.com/sakif/js-dojo/internal/service"
)

// RunService is the service surface the handlers need. *service.RunService
// implements it; tests substitute a fake.
type RunService interface {
	Run(ctx context.Context, subject, slot, code string) (*controller.Result, error)
	Cancel(subject, slot string) (bool, error)
	ListRuns(ctx context.Context, subject, slot string, limit, offset int) ([]model.Run, error)
	GetRun(ctx context.Context, subject, id string) (*model.Run, error)
}

// RunRequest is the body of POST /api/slots/{slot}/run.
type RunRequest struct {
	Code string `json:"code"`
}

// RunResponse is a successful run.
type RunResponse struct {
	ExecutionID int64  `json:"executionId"`
	Output      string `json:"output"`
	DurationMS  int64  `json:"durationMs"`
}

func newRunResponse(res *controller.Result) RunResponse {
	return RunResponse{
		ExecutionID: res.ExecutionID,
		Output:      res.Output,
		DurationMS:  res.Duration.Milliseconds(),
	}
}

// subject returns the authenticated caller, then the anonymous client id
// set by auth.AnonymousClients. ok is false when neither is present.
func subject(r *http.Request) (string, bool) {
	if sub, ok := auth.SubjectFromContext(r.Context()); ok {
		return sub, true
	}
	if id, ok := auth.ClientFromContext(r.Context()); ok {
		return service.AnonymousSubjectFor(id), true
	}
	return "", false
}

// requestSubject is subject for plain HTTP requests. Without an identity
// every such caller would share one namespace, so it is refused.
func requestSubject(w http.ResponseWriter, r *http.Request) (string, bool) {
	sub, ok := subject(r)
	if !ok {
		writeError(w, apperror.Unauthorized("a client identity is required"))
	}
	return sub, ok
}

// ExecuteHandler runs and cancels code in slots.
type ExecuteHandler struct {
	runs   RunService
	logger *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(runs RunService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		runs:   runs,
		logger: logger,
	}
}

// HandleRun handles POST /api/slots/{slot}/run. It blocks until the run
// settles; a newer run in the same slot makes this one return 409.
func (h *ExecuteHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid run request body", slog.String("error", err.Error()))
		writeBadRequest(w, "request body must be JSON of the form {\"code\": \"...\"}")
		return
	}

	sub, ok := requestSubject(w, r)
	if !ok {
		return
	}
	slot := chi.URLParam(r, "slot")
	res, err := h.runs.Run(r.Context(), sub, slot, req.Code)
	if err != nil {
		h.logFailure(slot, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newRunResponse(res))
}

// HandleCancel handles DELETE /api/slots/{slot}.
func (h *ExecuteHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	sub, ok := requestSubject(w, r)
	if !ok {
		return
	}
	slot := chi.URLParam(r, "slot")
	cancelled, err := h.runs.Cancel(sub, slot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// logFailure logs infrastructure failures loudly; failures caused by the
// submitted code are routine.
func (h *ExecuteHandler) logFailure(slot string, err error) {
	switch {
	case errors.Is(err, apperror.ErrWorkerSpawn):
		h.logger.Error("run failed to start", slog.String("slot", slot), slog.String("error", err.Error()))
	case errors.Is(err, apperror.ErrTimeout):
		h.logger.Warn("run timed out", slog.String("slot", slot))
	default:
		h.logger.Debug("run failed",
			slog.String("slot", slot),
			slog.String("kind", apperror.Kind(err)),
		)
	}
}
