package api

import (
	"context"
	"net/http"
	"time"

	"github.com/BitBrujo/rigger/internal/engine"
)

const healthTimeout = 3 * time.Second

// HealthResponse reports dependency status.
type HealthResponse struct {
	Status   string            `json:"status"`
	Engine   string            `json:"engine,omitempty"`
	Checks   map[string]string `json:"checks"`
	Sessions int               `json:"live_sessions"`
}

// HandleHealth handles GET /health. It returns 503 when the database or a
// checkable engine is unreachable.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok", Checks: map[string]string{}}
	if h.repo != nil {
		resp.Checks["database"] = "ok"
		if err := h.repo.Ping(ctx); err != nil {
			h.logger.Warn("Health check failed", "check", "database", "error", err)
			resp.Checks["database"] = err.Error()
			resp.Status = "degraded"
		}
	}
	if h.engine != nil {
		resp.Engine = h.engine.Name()
		if hc, ok := h.engine.(engine.HealthChecker); ok {
			resp.Checks["engine"] = "ok"
			if err := hc.Health(ctx); err != nil {
				h.logger.Warn("Health check failed", "check", "engine", "error", err)
				resp.Checks["engine"] = err.Error()
				resp.Status = "degraded"
			}
		}
	}
	if h.sessions != nil {
		resp.Sessions = len(h.sessions.Snapshot())
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}
