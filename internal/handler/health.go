package handler

import (
	"net/http"

	"proctor/internal/httputil"
)

// Health reports liveness
// GET /health
func Health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.RespondJSON(w, http.StatusOK, map[string]string{
			"service": service,
			"status":  "ok",
		})
	}
}
