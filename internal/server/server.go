// Package server provides the HTTP surface of the agent host: the agent
// WebSocket, the tool callback endpoint, and workspace utility routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/workspace/agent-host/internal/config"
	"github.com/workspace/agent-host/internal/orchestrator"
	"github.com/workspace/agent-host/internal/preview"
)

// Server is the HTTP server for the agent host.
type Server struct {
	config     *config.Config
	orch       *orchestrator.Orchestrator
	commands   *preview.CommandRegistry
	ports      *preview.PortRegistry
	httpServer *http.Server
}

// New creates a new server instance.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, commands *preview.CommandRegistry, ports *preview.PortRegistry) *Server {
	s := &Server{
		config:   cfg,
		orch:     orch,
		commands: commands,
		ports:    ports,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally unset because WebSocket connections
	// are long-lived. Go's http.Server.WriteTimeout sets a deadline on
	// the underlying net.Conn before the handler runs, which kills
	// hijacked WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	slog.Info("Starting agent host", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Agent WebSocket
	mux.HandleFunc("GET /agent/ws", s.handleAgentWS)

	// Out-of-band tool execution requested by the agent backend
	mux.HandleFunc("POST /callbacks/tool", s.handleToolCallback)

	// Workspace utility routes
	mux.HandleFunc("POST /workspaces/{workspaceId}/commands/{callId}/kill", s.handleKillCommand)
	mux.HandleFunc("GET /workspaces/{workspaceId}/events", s.handleListEvents)
	// No method restriction: previews take whatever verbs the dev server does.
	mux.HandleFunc("/workspaces/{workspaceId}/ports/{port}", s.handlePortProxy)
	mux.HandleFunc("/workspaces/{workspaceId}/ports/{port}/{path...}", s.handlePortProxy)
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"activeRuns": s.orch.ActiveRuns(),
	})
}

// handleKillCommand terminates a tracked shell command by call id.
func (s *Server) handleKillCommand(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	callID := r.PathValue("callId")
	if workspaceID == "" || callID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId and callId are required")
		return
	}

	if !s.commands.Kill(workspaceID, callID) {
		writeError(w, http.StatusNotFound, "no running command for this call")
		return
	}

	slog.Info("Command killed via API", "workspaceId", workspaceID, "callId", callID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"killed": true})
}

// handleListEvents returns recent diagnostic events for a workspace.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.orch.Events().Recent(workspaceID),
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed checks an origin against the allow list. Supports
// wildcard subdomain patterns like "https://*.example.com".
func originAllowed(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
		if strings.Contains(allowed, "*") && matchWildcardOrigin(origin, allowed) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks if origin matches a wildcard pattern.
// Pattern format: "https://*.example.com" matches "https://foo.example.com"
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix := parts[0]
	suffix := parts[1]

	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	if !strings.HasSuffix(origin, suffix) {
		return false
	}

	// The middle part (subdomain) must not contain "/"
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return !strings.Contains(middle, "/")
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
