// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Agent API (bearer agent token, X-Agent-ID header):
//   - POST /api/agent/heartbeat - Register or refresh a node
//   - GET  /api/agent/assignments - Current task snapshots for the agent
//   - POST /api/agent/results - Ingest one probe result
//
// Tenant API (X-Tenant-ID header, bearer tenant API key):
//   - GET /api/v1/alerts - List alerts (status, task_id, limit, offset)
//   - GET /api/v1/alerts/{id} - Get alert details
//   - GET /api/v1/tasks/{id}/results - Newest results of a task (limit)
//   - GET /api/v1/nodes - List registered nodes
//
// Health:
//   - GET /api/v1/health - Health check
//   - GET /api/v1/health/infrastructure - Store, Redis, process and fleet health
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/control-plane/internal/metrics"
	"github.com/pilot-net/dialer/control-plane/internal/service"
)

// Auth holds the credentials the server accepts.
type Auth struct {
	AgentToken string
	Tenants    []config.TenantConfig
}

// Server is the HTTP API server.
type Server struct {
	svc              *service.Service
	metricsCollector *metrics.Collector
	auth             Auth
	logger           *slog.Logger
	mux              *http.ServeMux
}

// NewServer creates a new API server. metricsCollector may be nil.
func NewServer(svc *service.Service, metricsCollector *metrics.Collector, auth Auth, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:              svc,
		metricsCollector: metricsCollector,
		auth:             auth,
		logger:           logger.With("component", "api"),
		mux:              http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	agentAuth := AgentTokenMiddleware(s.auth.AgentToken, s.logger)
	tenantAuth := TenantScopeMiddleware(s.auth.Tenants, s.logger)

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/health/infrastructure", s.handleInfrastructureHealth)

	// Agent
	s.mux.HandleFunc("POST /api/agent/heartbeat", wrapHandler(s.handleHeartbeat, agentAuth))
	s.mux.HandleFunc("GET /api/agent/assignments", wrapHandler(s.handleAssignments, agentAuth))
	s.mux.HandleFunc("POST /api/agent/results", wrapHandler(s.handleIngestResult, agentAuth))

	// Tenant
	s.mux.HandleFunc("GET /api/v1/alerts", wrapHandler(s.handleListAlerts, tenantAuth))
	s.mux.HandleFunc("GET /api/v1/alerts/{id}", wrapHandler(s.handleGetAlert, tenantAuth))
	s.mux.HandleFunc("GET /api/v1/tasks/{id}/results", wrapHandler(s.handleListTaskResults, tenantAuth))
	s.mux.HandleFunc("GET /api/v1/nodes", wrapHandler(s.handleListNodes, tenantAuth))
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInfrastructureHealth(w http.ResponseWriter, r *http.Request) {
	if s.metricsCollector == nil {
		s.writeError(w, http.StatusServiceUnavailable, "metrics collector not initialized")
		return
	}

	health, err := s.metricsCollector.GetInfrastructureHealth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to get infrastructure health: "+err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, health)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
