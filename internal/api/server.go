// =============================================================================
// HTTP API SERVER - OPERATIONS SURFACE FOR THE JOURNAL NODE
// =============================================================================
//
// Load balancers poll /system/lbstatus; operators look at the journal,
// notifications and buffers and can take the node out of rotation by hand.
//
// ENDPOINT OVERVIEW:
//
//   HEALTH
//   GET    /health                              Overall status
//   GET    /healthz                             Liveness probe
//   GET    /readyz                              Readiness probe
//   GET    /version                             Build information
//   GET    /metrics                             Prometheus metrics
//
//   LOAD BALANCER
//   GET    /system/lbstatus                     ALIVE (200), THROTTLED or DEAD (503)
//   PUT    /system/lbstatus/override/{status}   Pin the status
//   DELETE /system/lbstatus/override            Return to lifecycle status
//
//   PROCESSING
//   GET    /system/lifecycle                    Lifecycle state
//   PUT    /system/processing/pause             Stop draining the journal
//   PUT    /system/processing/resume            Resume draining the journal
//
//   JOURNAL
//   GET    /system/journal                      Journal status and throttle state
//   GET    /system/buffers                      Process buffer utilization
//
//   NOTIFICATIONS
//   GET    /system/notifications                Active notifications
//   DELETE /system/notifications/{type}         Mark a condition fixed
//
// =============================================================================

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gojournal/internal/journal"
	"gojournal/internal/lifecycle"
	"gojournal/internal/notification"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// NodeStatus is the lifecycle and load balancer state of this node.
type NodeStatus interface {
	NodeID() string
	StartedAt() time.Time
	Lifecycle() lifecycle.State
	LoadBalancerStatus() lifecycle.LoadBalancerStatus
	Overridden() bool
	OverrideLoadBalancer(status lifecycle.LoadBalancerStatus)
	ClearLoadBalancerOverride()
	Pause()
	Resume()
}

// Journal exposes journal status.
type Journal interface {
	Status() journal.Status
	ThrottleState() journal.ThrottleState
}

// Notifications lists and fixes active notifications.
type Notifications interface {
	All() []*notification.Notification
	Fix(t notification.Type) bool
}

// Buffer reports process buffer utilization.
type Buffer interface {
	Size() int
	Capacity() int
}

// Dependencies wires the server to the rest of the node. Journal, Buffer,
// Notifications and Metrics are optional; their endpoints answer 503 or an
// empty result when unset.
type Dependencies struct {
	Status        NodeStatus
	Journal       Journal
	Buffer        Buffer
	Notifications Notifications
	Metrics       http.Handler
}

// =============================================================================
// API SERVER
// =============================================================================

// Server is the HTTP API server.
type Server struct {
	deps       Dependencies
	config     ServerConfig
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":9000",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server. deps.Status is required.
func NewServer(deps Dependencies, config ServerConfig) *Server {
	r := chi.NewRouter()

	s := &Server{
		deps:   deps,
		config: config,
		router: r,
		logger: slog.Default().With("component", "api"),
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Get("/metrics", s.handleMetrics)

	s.router.Route("/system", func(r chi.Router) {
		r.Get("/lbstatus", s.getLoadBalancerStatus)
		r.Put("/lbstatus/override/{status}", s.overrideLoadBalancerStatus)
		r.Delete("/lbstatus/override", s.clearLoadBalancerOverride)

		r.Get("/lifecycle", s.getLifecycle)
		r.Put("/processing/pause", s.pauseProcessing)
		r.Put("/processing/resume", s.resumeProcessing)

		r.Get("/journal", s.getJournal)
		r.Get("/buffers", s.getBuffers)

		r.Get("/notifications", s.listNotifications)
		r.Delete("/notifications/{type}", s.fixNotification)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// loggingMiddleware logs all HTTP requests. Load balancers poll often, so
// requests are logged at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start binds the listener and serves in the background. Bind errors are
// returned directly.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("starting HTTP API server", "addr", listener.Addr().String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}
