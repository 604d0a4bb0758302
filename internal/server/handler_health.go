package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/dispatch/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Scheduler string `json:"scheduler"`
	AgentAuth bool   `json:"agent_auth"`
}

// Version is reported by /health. Set at build time with -ldflags.
var Version = "0.1.0"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	sched := "disabled"
	switch {
	case s.running.Load():
		sched = "running"
	case s.scheduler != nil:
		sched = "not_started"
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: sched,
		AgentAuth: s.agentKeys.IsEnabled(),
	})
}

// handleMetrics returns the dispatcher counters and recent events.
// GET /api/v1/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.metrics == nil {
		respondError(w, reqID, http.StatusNotFound, &model.APIError{
			Code:    model.ErrNotFound,
			Message: "metrics are not enabled",
		})
		return
	}
	respondOK(w, reqID, s.metrics.Snapshot())
}
