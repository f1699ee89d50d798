package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/workspace/agent-host/internal/orchestrator"
)

// createUpgrader creates a WebSocket upgrader with proper origin validation.
// WebSocket upgrades bypass CORS, so we must validate origins explicitly.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// No origin header - likely same-origin or non-browser client
				return true
			}
			if !originAllowed(origin, s.config.AllowedOrigins) {
				slog.Warn("WebSocket origin rejected", "origin", origin)
				return false
			}
			return true
		},
	}
}

// wsClient wraps a WebSocket connection behind a write mutex so the
// orchestrator's concurrent goroutines can all push to it. Implements
// orchestrator.ClientConn.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// handleAgentWS handles the agent control WebSocket. The client sends
// run and abort requests; run output, tool state, and preview events are
// pushed back over the same connection.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	defer client.Close()

	// Track which sessions this socket registered for so they can be
	// released when it goes away.
	type regKey struct{ workspaceID, chatSessionID string }
	registered := make(map[regKey]bool)
	defer func() {
		for key := range registered {
			s.orch.UnregisterConn(key.workspaceID, key.chatSessionID, client)
		}
	}()

	for {
		var req orchestrator.RunRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read failed", "error", err)
			}
			return
		}

		if req.WorkspaceID == "" {
			_ = client.Send(map[string]string{"type": "error", "error": "workspaceId is required"})
			continue
		}

		switch req.Type {
		case "run":
			key := regKey{req.WorkspaceID, req.ChatSessionID}
			if !registered[key] {
				s.orch.RegisterConn(req.WorkspaceID, req.ChatSessionID, client)
				registered[key] = true
			}
			if _, err := s.orch.StartRun(req, client); err != nil {
				slog.Warn("Run start rejected", "workspaceId", req.WorkspaceID, "error", err)
			}

		case "abort":
			if !s.orch.Abort(req.WorkspaceID) {
				_ = client.Send(map[string]string{"type": "error", "error": "no active run for this workspace"})
			}

		default:
			_ = client.Send(map[string]string{"type": "error", "error": "unknown message type: " + req.Type})
		}
	}
}
