package httpapi

import (
	"net/http"
	"time"

	"github.com/edgeflow/ingestd/internal/resilience"
)

// =============================================================================
// HEALTH
// =============================================================================

// handleHealth reports gateway health: process stats plus both storage
// backends. The gateway itself is healthy as long as it can answer; a
// backend outage degrades but does not fail the response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.deps.Host != nil {
		resp["process"] = s.deps.Host.Snapshot()
	}
	if s.deps.Backends != nil {
		backends := s.deps.Backends.Health(r.Context())
		resp["backends"] = backends
		for _, b := range backends {
			if !b.Healthy {
				resp["status"] = "degraded"
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleBackendHealth probes a single storage backend by name. An
// unhealthy backend answers 503 so load balancers can key off the status.
func (s *Server) handleBackendHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backends == nil {
		s.writeError(w, http.StatusNotImplemented, "backend health disabled")
		return
	}
	h := s.deps.Backends.HealthFor(r.Context(), r.PathValue("backend"))
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

// handleResilienceHealth reports the state of every resilience mechanism:
// dedup availability, DLQ depth, breaker states, and bus counters.
func (s *Server) handleResilienceHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"time": time.Now().UTC(),
	}

	if s.deps.Dedup != nil {
		resp["dedup"] = s.deps.Dedup.Stats()
	}
	if s.deps.DLQ != nil {
		resp["dlq"] = s.deps.DLQ.Stats(r.Context())
	}
	if len(s.deps.Breakers) > 0 {
		snapshots := make([]resilience.BreakerSnapshot, 0, len(s.deps.Breakers))
		for _, b := range s.deps.Breakers {
			snapshots = append(snapshots, b.Snapshot())
		}
		resp["breakers"] = snapshots
	}
	if s.deps.Bus != nil {
		resp["bus"] = s.deps.Bus.Stats()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleStats reports the router counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.RouterSts == nil {
		s.writeError(w, http.StatusNotImplemented, "stats disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.RouterSts.Stats())
}
