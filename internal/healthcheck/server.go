package healthcheck

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

// readinessTimeout bounds every readiness probe.
const readinessTimeout = 3 * time.Second

// CheckFunc reports whether a dependency is usable
type CheckFunc func(ctx context.Context) error

// Server represents a health check HTTP server
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux // Expose mux for adding handlers
	logger     *zap.Logger
	version    string

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// HealthResponse is the response structure for health check endpoints
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// NewServer creates a new health check server
func NewServer(port, version string, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	server := &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux:     mux,
		logger:  logger,
		version: version,
		checks:  make(map[string]CheckFunc),
	}

	// Register default health check endpoints
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/ready", server.handleReady)

	return server
}

// Handler returns the root handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// RegisterMetricsHandler adds the /metrics endpoint handler.
// Should only be called if metrics are enabled.
func (s *Server) RegisterMetricsHandler(handler http.Handler) {
	s.logger.Info("Registering /metrics endpoint")
	s.mux.Handle("/metrics", handler)
}

// MountAPI serves the command API under /api/.
func (s *Server) MountAPI(handler http.Handler) {
	s.logger.Info("Registering /api/v1 endpoints")
	s.mux.Handle("/api/", handler)
}

// AddReadinessCheck registers a dependency probed by /ready.
func (s *Server) AddReadinessCheck(name string, check CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start begins the HTTP server
func (s *Server) Start() {
	go func() {
		s.logger.Info("Starting health check server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Health check server error", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping health check server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles the /health endpoint for liveness probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "UP",
		Version: s.version,
	}

	utils.WriteJSONResponse(w, http.StatusOK, resp)
}

// handleReady handles the /ready endpoint for readiness probes. Every
// registered dependency must answer for the service to be ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	resp := HealthResponse{
		Status: "READY",
		Details: map[string]string{
			"timestamp": utils.FormatISO8601(utils.Now()),
		},
	}
	code := http.StatusOK
	for _, name := range names {
		s.mu.RLock()
		check := s.checks[name]
		s.mu.RUnlock()

		if err := check(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			resp.Details[name] = err.Error()
			resp.Status = "NOT_READY"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Details[name] = "ok"
	}

	utils.WriteJSONResponse(w, code, resp)
}
