package handler

import "net/http"

// HandleHealth handles GET /healthz. It reports liveness only; a broken
// worker backend shows up as 503s on run requests, not here.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
