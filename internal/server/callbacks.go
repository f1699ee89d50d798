package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/workspace/agent-host/internal/stream"
	"github.com/workspace/agent-host/internal/toolcall"
)

// toolCallbackRequest is the agent backend's request to execute tool
// calls inside a workspace. A single call may be given inline, or a
// batch under "calls"; batch entries run concurrently with independent
// timeouts.
type toolCallbackRequest struct {
	WorkspaceID   string             `json:"workspaceId"`
	ChatSessionID string             `json:"chatSessionId,omitempty"`
	Tool          string             `json:"tool,omitempty"`
	CallID        string             `json:"callId,omitempty"`
	Arguments     map[string]any     `json:"arguments,omitempty"`
	Calls         []toolCallbackCall `json:"calls,omitempty"`
}

type toolCallbackCall struct {
	Tool      string         `json:"tool"`
	CallID    string         `json:"callId"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type toolCallbackResult struct {
	CallID   string `json:"callId"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// handleToolCallback executes one or more tool calls on behalf of the
// agent backend and returns the results synchronously.
func (s *Server) handleToolCallback(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeCallback(r) {
		writeError(w, http.StatusUnauthorized, "invalid callback token")
		return
	}

	var req toolCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}

	calls := req.Calls
	if len(calls) == 0 {
		if req.Tool == "" {
			writeError(w, http.StatusBadRequest, "tool or calls is required")
			return
		}
		calls = []toolCallbackCall{{Tool: req.Tool, CallID: req.CallID, Arguments: req.Arguments}}
	}

	events := make([]*stream.ToolEvent, len(calls))
	for i, call := range calls {
		events[i] = stream.NormalizeCall(call.Tool, call.CallID, call.Arguments)
	}

	results := s.orch.ExecuteToolCalls(r.Context(), req.WorkspaceID, req.ChatSessionID, events)

	out := make([]toolCallbackResult, len(results))
	for i, res := range results {
		out[i] = callbackResult(events[i].CallID, res)
	}

	// Single inline calls get a single result object back.
	if len(req.Calls) == 0 {
		writeJSON(w, http.StatusOK, out[0])
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": out})
}

func callbackResult(callID string, res toolcall.ToolResult) toolCallbackResult {
	return toolCallbackResult{
		CallID:   callID,
		Success:  res.Success,
		Output:   res.Output,
		Error:    res.Error,
		ExitCode: res.ExitCode,
		Payload:  res.Payload,
	}
}

// authorizeCallback checks the bearer token when one is configured.
// Without a configured token the endpoint is open, for local use.
func (s *Server) authorizeCallback(r *http.Request) bool {
	if s.config.CallbackToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	return ok && token == s.config.CallbackToken
}
