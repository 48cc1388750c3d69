package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports which process answers and in which mode.
type StatusHandler struct {
	Mode      string
	Process   string
	Host      string
	StartedAt time.Time
}

// GetStatus responds with the process identity and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"process":        h.Process,
		"host":           h.Host,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
