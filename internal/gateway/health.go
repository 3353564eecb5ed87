package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// healthTimeout bounds the manifest backend probe.
const healthTimeout = 2 * time.Second

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status   string  `json:"status"` // "ok" or "degraded"
	Manifest string  `json:"manifest"`
	Uptime   float64 `json:"uptime_seconds"`
}

// handleHealth returns 200 if the manifest backend answers, 503 otherwise.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Manifest: "ok"}
		if !g.startedAt.IsZero() {
			resp.Uptime = g.now().Sub(g.startedAt).Seconds()
		}

		if g.store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := g.store.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Manifest = err.Error()
				g.logger.Warn("health check failed", "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "degraded" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
