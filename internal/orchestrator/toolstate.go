package orchestrator

import (
	"encoding/json"

	"github.com/workspace/agent-host/internal/stream"
)

// ToolCallState is the merged view of a tool call across its partial and
// complete updates, keyed by call id within a run.
type ToolCallState struct {
	CallID    string
	Tool      string
	Pending   bool
	Path      string
	Command   string
	Content   string
	Failed    bool
	ExitCode  *int
	StartLine *int
	EndLine   *int
	Todos     json.RawMessage
}

// merge folds a new tool event into the existing state. Late updates
// inherit fields they omit, and a completed call never flips back to
// pending.
func (s *ToolCallState) merge(ev *stream.ToolEvent) {
	if ev.Name != "" {
		s.Tool = ev.Name
	}
	if ev.Path != "" {
		s.Path = ev.Path
	}
	if ev.Command != "" {
		s.Command = ev.Command
	}
	if ev.Content != "" {
		s.Content = ev.Content
	}
	if ev.ExitCode != nil {
		s.ExitCode = ev.ExitCode
	}
	if ev.StartLine != nil {
		s.StartLine = ev.StartLine
	}
	if ev.EndLine != nil {
		s.EndLine = ev.EndLine
	}
	if len(ev.Todos) > 0 {
		s.Todos = ev.Todos
	}

	// pending is monotonic: once completed, stays completed.
	if !s.Pending {
		return
	}
	s.Pending = ev.Pending
}

func (s *ToolCallState) message() toolCallMessage {
	return toolCallMessage{
		Type:      "tool_call",
		CallID:    s.CallID,
		Tool:      s.Tool,
		Pending:   s.Pending,
		Path:      s.Path,
		Command:   s.Command,
		Content:   s.Content,
		Failed:    s.Failed,
		StartLine: s.StartLine,
		EndLine:   s.EndLine,
		Todos:     s.Todos,
	}
}
