// Package server exposes the session lifecycle, the workflow catalog and
// cron schedules over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/petal-labs/sessionflow/bus"
	"github.com/petal-labs/sessionflow/catalog"
	"github.com/petal-labs/sessionflow/registry"
	"github.com/petal-labs/sessionflow/session"
	"github.com/petal-labs/sessionflow/sse"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Manager    *session.Manager
	Catalog    catalog.Store
	Registry   *registry.Registry
	Bus        bus.EventBus
	EventStore bus.EventStore
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the sessionflow HTTP API server.
type Server struct {
	manager    *session.Manager
	catalog    catalog.Store
	registry   *registry.Registry
	bus        bus.EventBus
	eventStore bus.EventStore
	events     *sse.Handler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	events := sse.Config{Store: cfg.EventStore, Bus: cfg.Bus}
	if cfg.Manager != nil {
		events.Sessions = cfg.Manager
	}
	return &Server{
		manager:    cfg.Manager,
		catalog:    cfg.Catalog,
		registry:   reg,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		events:     sse.NewHandler(events),
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("POST /api/workflows/validate", s.handleValidateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /api/workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleDeleteWorkflow)

	mux.HandleFunc("GET /api/workflows/{id}/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/workflows/{id}/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/start", s.handleStartSession)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancelSession)
	mux.HandleFunc("GET /api/sessions/{id}/data", s.handleSessionData)
	mux.HandleFunc("GET /api/sessions/{id}/executions", s.handleSessionExecutions)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
