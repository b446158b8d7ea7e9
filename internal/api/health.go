// =============================================================================
// HEALTH CHECK ENDPOINTS
// =============================================================================
//
//   GET /health      - Overall status
//   GET /healthz     - Liveness: the process answers and has not FAILED
//   GET /readyz      - Readiness: startup finished and not shutting down
//
// Readiness is about the process, not about traffic. Load balancers that
// should honour throttling poll /system/lbstatus instead.
//
//   lifecycle      healthz   readyz   lbstatus
//   ─────────────  ───────   ──────   ─────────
//   STARTING       200       503      DEAD
//   RUNNING        200       200      ALIVE
//   THROTTLED      200       200      THROTTLED
//   PAUSED         200       200      DEAD
//   HALTING        200       503      DEAD
//   FAILED         503       503      DEAD
//
// =============================================================================

package api

import (
	"net/http"
	"runtime"
	"time"

	"gojournal/internal/lifecycle"
)

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Status
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"node_id":   st.NodeID(),
		"lifecycle": st.Lifecycle().String(),
		"lb_status": st.LoadBalancerStatus().String(),
		"uptime":    time.Since(st.StartedAt()).Truncate(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Status.Lifecycle()
	if state == lifecycle.Failed {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "fail",
			"lifecycle": state.String(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "pass",
		"lifecycle": state.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Status.Lifecycle()
	status, code := "pass", http.StatusOK
	switch state {
	case lifecycle.Running, lifecycle.Throttled, lifecycle.Paused:
	default:
		status, code = "fail", http.StatusServiceUnavailable
	}

	resp := map[string]interface{}{
		"status":    status,
		"lifecycle": state.String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if r.URL.Query().Get("verbose") == "true" && s.deps.Journal != nil {
		ts := s.deps.Journal.ThrottleState()
		resp["journal"] = map[string]interface{}{
			"utilization_percent":  ts.UtilizationPercent,
			"uncommitted_messages": ts.UncommittedMessages,
		}
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "metrics not initialized")
		return
	}
	s.deps.Metrics.ServeHTTP(w, r)
}
