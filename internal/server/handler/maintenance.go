package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// Triggerer starts a maintenance job out of schedule.
type Triggerer interface {
	Trigger(job string) bool
}

// MaintenanceHandler serves on-demand maintenance triggers.
type MaintenanceHandler struct {
	jobs   Triggerer
	logger *slog.Logger
}

// NewMaintenanceHandler creates a MaintenanceHandler.
func NewMaintenanceHandler(jobs Triggerer, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{jobs: jobs, logger: logger}
}

// Trigger enqueues one run of the named job.
// POST /api/maintenance/{job}
func (h *MaintenanceHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	job := r.PathValue("job")
	if h.jobs == nil || !h.jobs.Trigger(job) {
		writeError(w, http.StatusNotFound, "unknown or disabled job "+job)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: maintenance trigger requested", slog.String("job", job))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"job":          job,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}
