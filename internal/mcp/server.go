// Package mcp is the daemon's control surface: an MCP server over
// streamable HTTP exposing session, run, permission, job and settings
// tools, with health and metrics endpoints beside it.
package mcp

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/memva/memva/internal/event"
	"github.com/memva/memva/internal/job"
	"github.com/memva/memva/internal/logger"
	"github.com/memva/memva/internal/metrics"
	"github.com/memva/memva/internal/permission"
	"github.com/memva/memva/internal/runs"
	"github.com/memva/memva/internal/session"
)

const serverVersion = "0.1.0"

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the MCP server with the stores and the run orchestrator
type Server struct {
	db          *sql.DB
	sessions    *session.Store
	events      *event.Log
	jobs        *job.Store
	permissions *permission.Store
	runs        *runs.Manager
	registry    *Registry
	mcpServer   *mcp.Server
}

// Config carries the server's dependencies
type Config struct {
	DB          *sql.DB
	Sessions    *session.Store
	Events      *event.Log
	Jobs        *job.Store
	Permissions *permission.Store
	Runs        *runs.Manager
}

// NewServer creates the control surface and registers all tools
func NewServer(cfg Config) *Server {
	s := &Server{
		db:          cfg.DB,
		sessions:    cfg.Sessions,
		events:      cfg.Events,
		jobs:        cfg.Jobs,
		permissions: cfg.Permissions,
		runs:        cfg.Runs,
		registry:    NewRegistry(),
	}

	s.registerAllTools(s.registry)
	return s
}

// GetRegistry returns the tool registry for external access
func (s *Server) GetRegistry() *Registry {
	return s.registry
}

// Serve starts the MCP HTTP server and blocks
func (s *Server) Serve(addr string) error {
	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "memva",
		Version: serverVersion,
	}, nil)

	s.registry.RegisterWithMCPServer(s.mcpServer)

	// HTTP handler with streamable transport; the EventStore enables SSE
	// stream resumption
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	// Wrap with request ID and logging middleware
	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		w.Header().Set("X-Request-ID", requestID)

		r = r.WithContext(WithRequestID(r.Context(), requestID))

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	// Wrap with per-client rate limiting
	rateLimiter := DefaultRateLimiter() // 10 req/s, burst 20
	rateLimitedHandler := RateLimitMiddleware(rateLimiter)(loggingHandler)

	mainMux := http.NewServeMux()

	// Health endpoints, no rate limiting
	mainMux.HandleFunc("/health", s.handleHealthCheck)
	mainMux.HandleFunc("/ready", s.handleReadinessCheck)

	// Metrics endpoint for Prometheus scraping
	mainMux.Handle("/metrics", metrics.Handler())

	// MCP endpoints, rate limited and wrapped with metrics middleware
	mainMux.Handle("/mcp", metrics.Middleware(rateLimitedHandler))
	mainMux.Handle("/mcp/", metrics.Middleware(rateLimitedHandler))

	logger.Info("🚀 Memva MCP server listening on %s", addr)
	logger.Info("💚 Health check: http://%s/health", addr)
	logger.Info("📊 Metrics: http://%s/metrics", addr)
	return http.ListenAndServe(addr, mainMux)
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck verifies the server can serve requests
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready","reason":"database unavailable"}`))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
