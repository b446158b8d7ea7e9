package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gojournal/internal/lifecycle"
	"gojournal/internal/notification"
)

// =============================================================================
// LOAD BALANCER
// =============================================================================

// getLoadBalancerStatus answers with a plain text status so that simple
// HTTP health checks can match on the code alone.
func (s *Server) getLoadBalancerStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Status.LoadBalancerStatus()
	code := http.StatusOK
	if status != lifecycle.Alive {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(status.String()))
}

func (s *Server) overrideLoadBalancerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := lifecycle.ParseLoadBalancerStatus(chi.URLParam(r, "status"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Status.OverrideLoadBalancer(status)
	s.logger.Warn("load balancer status overridden via API", "status", status)
	s.writeJSON(w, http.StatusOK, s.lbStatusBody())
}

func (s *Server) clearLoadBalancerOverride(w http.ResponseWriter, r *http.Request) {
	s.deps.Status.ClearLoadBalancerOverride()
	s.writeJSON(w, http.StatusOK, s.lbStatusBody())
}

func (s *Server) lbStatusBody() map[string]interface{} {
	return map[string]interface{}{
		"lb_status":  s.deps.Status.LoadBalancerStatus().String(),
		"overridden": s.deps.Status.Overridden(),
	}
}

// =============================================================================
// PROCESSING
// =============================================================================

func (s *Server) getLifecycle(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.lifecycleBody())
}

func (s *Server) pauseProcessing(w http.ResponseWriter, r *http.Request) {
	s.deps.Status.Pause()
	s.writeJSON(w, http.StatusOK, s.lifecycleBody())
}

func (s *Server) resumeProcessing(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status.Lifecycle() != lifecycle.Paused {
		s.errorResponse(w, http.StatusConflict, "processing is not paused")
		return
	}
	s.deps.Status.Resume()
	s.writeJSON(w, http.StatusOK, s.lifecycleBody())
}

func (s *Server) lifecycleBody() map[string]interface{} {
	state := s.deps.Status.Lifecycle()
	return map[string]interface{}{
		"lifecycle":     state.String(),
		"is_reading":    state.ShouldRead(),
		"lb_status":     s.deps.Status.LoadBalancerStatus().String(),
		"lb_overridden": s.deps.Status.Overridden(),
	}
}

// =============================================================================
// JOURNAL & BUFFERS
// =============================================================================

func (s *Server) getJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":        true,
		"status":         s.deps.Journal.Status(),
		"throttle_state": s.deps.Journal.ThrottleState(),
	})
}

func (s *Server) getBuffers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Buffer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "process buffer not initialized")
		return
	}
	size, capacity := s.deps.Buffer.Size(), s.deps.Buffer.Capacity()
	var utilization float64
	if capacity > 0 {
		utilization = float64(size) * 100 / float64(capacity)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"process": map[string]interface{}{
			"size":                size,
			"capacity":            capacity,
			"utilization_percent": utilization,
		},
	})
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	var all []*notification.Notification
	if s.deps.Notifications != nil {
		all = s.deps.Notifications.All()
	}
	if all == nil {
		all = []*notification.Notification{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":         len(all),
		"notifications": all,
	})
}

func (s *Server) fixNotification(w http.ResponseWriter, r *http.Request) {
	t := notification.Type(strings.ToUpper(chi.URLParam(r, "type")))
	if s.deps.Notifications == nil || !s.deps.Notifications.Fix(t) {
		s.errorResponse(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
