package orchestrator

import "encoding/json"

// RunRequest is the client's control message starting or aborting a run.
type RunRequest struct {
	Type          string            `json:"type"` // "run" or "abort"
	WorkspaceID   string            `json:"workspaceId"`
	Message       string            `json:"message,omitempty"`
	ChatSessionID string            `json:"chatSessionId,omitempty"`
	Model         string            `json:"model,omitempty"`
	AgentMode     string            `json:"agentMode,omitempty"`
	// ConversationMessages is accepted for compatibility; continuation is
	// carried by the agent's own session id, so only its length matters.
	ConversationMessages []json.RawMessage `json:"conversationMessages,omitempty"`
}

// Server→client message shapes. Every message carries a "type" tag.

type chunkMessage struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type toolCallMessage struct {
	Type      string          `json:"type"`
	CallID    string          `json:"callId"`
	Tool      string          `json:"tool"`
	Pending   bool            `json:"pending"`
	Path      string          `json:"path,omitempty"`
	Command   string          `json:"command,omitempty"`
	Content   string          `json:"content,omitempty"`
	Failed    bool            `json:"failed,omitempty"`
	StartLine *int            `json:"startLine,omitempty"`
	EndLine   *int            `json:"endLine,omitempty"`
	Todos     json.RawMessage `json:"todos,omitempty"`
}

type toolOutputStreamMessage struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Chunk  string `json:"chunk"`
}

type toolOutputEndMessage struct {
	Type     string `json:"type"`
	CallID   string `json:"callId"`
	ExitCode int    `json:"exitCode"`
}

type previewReadyMessage struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	Port        int    `json:"port"`
	URL         string `json:"url"`
}

type previewRefreshMessage struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
}

type endMessage struct {
	Type string `json:"type"`
	Code int    `json:"code"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}
