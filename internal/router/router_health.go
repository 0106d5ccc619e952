package router

import (
	"net/http"
	"time"

	"github.com/framara/what-the-meta-backend/internal/utils"
)

type Health struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	// RefreshRunning is set while an async aggregate refresh started here is in flight
	RefreshRunning bool   `json:"refresh_running"`
	Time           string `json:"time"`
}

func (r *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := Health{
		Status:   "healthy",
		Database: "connected",
		Time:     utils.NowUTC().Format(time.RFC3339),
	}
	if r.deps.DB != nil && !r.deps.DB.IsHealthy() {
		body.Status = "unhealthy"
		body.Database = "not connected"
	}
	if r.deps.Refresher != nil {
		body.RefreshRunning = r.deps.Refresher.Running() != nil
	}

	status := http.StatusOK
	if body.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
