package server

import (
	"net/http"
	"time"

	"github.com/tannus-ai/tannus/internal/version"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        version.Version,
		"commit":         version.Commit,
		"build_date":     version.BuildDate,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"live_clients":   s.deps.Hub.Clients(),
	})
}

// performance reports per-endpoint latency figures and the active cache and
// throttle settings.
func (s *Server) performance(w http.ResponseWriter, _ *http.Request) {
	cfg := s.deps.Optimizer.Config()
	writeData(w, http.StatusOK, map[string]any{
		"metrics": s.deps.Optimizer.EndpointMetrics(),
		"cache": map[string]any{
			"default_ttl_seconds": cfg.DefaultTTL.Seconds(),
			"plan_ttl_seconds":    cfg.PlanTTL.Seconds(),
			"status_ttl_seconds":  cfg.StatusTTL.Seconds(),
		},
		"max_requests_per_minute": cfg.MaxRequestsPerMinute,
	})
}
