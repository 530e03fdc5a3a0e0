package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/js-dojo/internal/model"
)

// RunsHandler serves the run journal.
type RunsHandler struct {
	runs   RunService
	logger *slog.Logger
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(runs RunService, logger *slog.Logger) *RunsHandler {
	return &RunsHandler{
		runs:   runs,
		logger: logger,
	}
}

// ListResponse wraps a page of runs.
type ListResponse struct {
	Runs []model.Run `json:"runs"`
}

// HandleList handles GET /api/runs?slot=&limit=&offset=.
func (h *RunsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	sub, ok := requestSubject(w, r)
	if !ok {
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), sub, q.Get("slot"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ListResponse{Runs: runs})
}

// HandleGet handles GET /api/runs/{id}.
func (h *RunsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sub, ok := requestSubject(w, r)
	if !ok {
		return
	}
	run, err := h.runs.GetRun(r.Context(), sub, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// intParam parses an optional integer query parameter; empty means 0.
func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
