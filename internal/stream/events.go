// Package stream decodes the agent process's line-oriented event stream.
// The stream nominally carries one JSON object per line but arrives over a
// terminal-emulating channel that corrupts it with escape sequences,
// injected line breaks, and structurally invalid JSON. The decoder
// recovers an ordered sequence of text and tool events from it.
package stream

import (
	"encoding/json"
	"strings"
)

// Event is a single decoded stream event: narrative text from the agent,
// a tool call request/update, or the agent announcing its own session id.
type Event struct {
	Text string
	Tool *ToolEvent
	// SessionID is the agent's own multi-turn session identifier, offered
	// back on the next run to resume the conversation.
	SessionID string
}

// IsText reports whether the event carries narrative text.
func (e Event) IsText() bool { return e.Tool == nil && e.SessionID == "" }

// ToolEvent is a decoded tool call request or progress update. The same
// CallID may be reissued multiple times as the call progresses from
// pending to completed; consumers merge by CallID.
type ToolEvent struct {
	CallID  string
	Name    string
	Pending bool
	// Args is the raw argument bag exactly as decoded.
	Args map[string]any
	// Alias-resolved convenience fields. Different tools place their
	// path/command/content under different argument names.
	Path         string
	Command      string
	Content      string
	Instructions string
	Query        string
	Output       string
	ExitCode     *int
	StartLine    *int
	EndLine      *int
	Todos        json.RawMessage
	// Recovered marks events rebuilt by best-effort pattern search after
	// every JSON repair failed. Their fields may be incomplete.
	Recovered bool
}

// NormalizeCall builds a ToolEvent from an out-of-band tool invocation,
// applying the same argument alias resolution as the decoded stream.
func NormalizeCall(name, callID string, args map[string]any) *ToolEvent {
	if args == nil {
		args = map[string]any{}
	}
	obj := map[string]any{
		"tool":      name,
		"callId":    callID,
		"arguments": args,
	}
	ev, ok := normalizeObject(obj)
	if !ok || ev.Tool == nil {
		return &ToolEvent{Name: name, CallID: callID, Args: args, Pending: true}
	}
	ev.Tool.Pending = true
	return ev.Tool
}

// Ordered alias lists for argument fields. First match wins.
var (
	nameAliases         = []string{"tool", "tool_name", "toolName", "name", "function"}
	callIDAliases       = []string{"callID", "callId", "call_id", "id", "tool_call_id", "toolCallId"}
	pathAliases         = []string{"target_file", "targetFile", "path", "file_path", "filePath", "filename", "file"}
	commandAliases      = []string{"command", "cmd", "script"}
	contentAliases      = []string{"content", "code_edit", "codeEdit", "new_content", "contents"}
	instructionsAliases = []string{"instructions", "instruction"}
	queryAliases        = []string{"query", "pattern", "search_term", "regex"}
	outputAliases       = []string{"output", "result", "stdout"}
	exitCodeAliases     = []string{"exitCode", "exit_code", "code"}
	startLineAliases    = []string{"start_line", "startLine", "start_line_one_indexed"}
	endLineAliases      = []string{"end_line", "endLine", "end_line_one_indexed_inclusive"}
	argBagAliases       = []string{"arguments", "args", "input", "params", "parameters"}
	sessionIDAliases    = []string{"session_id", "sessionId", "conversation_id", "conversationId"}
)

// normalizeObject converts a parsed JSON object into zero or one Event.
// Objects carrying a tool name become ToolEvents; objects carrying only a
// "text" value become TextEvents; anything else is dropped.
func normalizeObject(obj map[string]any) (Event, bool) {
	name := firstString(obj, nameAliases)
	if name == "" {
		if text, ok := obj["text"].(string); ok && text != "" {
			return Event{Text: text}, true
		}
		if id := firstString(obj, sessionIDAliases); id != "" {
			return Event{SessionID: id}, true
		}
		if t, ok := obj["type"].(string); ok && (t == "text" || t == "message") {
			if content, ok := obj["content"].(string); ok && content != "" {
				return Event{Text: content}, true
			}
		}
		return Event{}, false
	}

	ev := &ToolEvent{
		Name:   name,
		CallID: firstString(obj, callIDAliases),
		Args:   obj,
	}

	// Arguments may be nested under an argument-bag key or spread across
	// the top level. Resolve aliases against the bag first, falling back
	// to the top-level object.
	bag := obj
	for _, key := range argBagAliases {
		if nested, ok := obj[key].(map[string]any); ok {
			bag = nested
			ev.Args = nested
			break
		}
	}

	ev.Path = firstStringIn(bag, obj, pathAliases)
	ev.Command = firstStringIn(bag, obj, commandAliases)
	ev.Content = firstStringIn(bag, obj, contentAliases)
	ev.Instructions = firstStringIn(bag, obj, instructionsAliases)
	ev.Query = firstStringIn(bag, obj, queryAliases)
	ev.Output = firstStringIn(bag, obj, outputAliases)
	ev.ExitCode = firstInt(obj, exitCodeAliases)
	if ev.ExitCode == nil {
		ev.ExitCode = firstInt(bag, exitCodeAliases)
	}
	ev.StartLine = firstInt(bag, startLineAliases)
	ev.EndLine = firstInt(bag, endLineAliases)

	if todos, ok := bag["todos"]; ok {
		if raw, err := json.Marshal(todos); err == nil {
			ev.Todos = raw
		}
	}

	ev.Pending = resolvePending(obj, ev)
	return Event{Tool: ev}, true
}

// resolvePending determines the pending flag from an explicit boolean, a
// status string, or the presence of completion fields.
func resolvePending(obj map[string]any, ev *ToolEvent) bool {
	if pending, ok := obj["pending"].(bool); ok {
		return pending
	}
	if status, ok := obj["status"].(string); ok {
		switch strings.ToLower(status) {
		case "pending", "running", "in_progress", "started":
			return true
		case "completed", "done", "success", "failed", "error":
			return false
		}
	}
	return ev.Output == "" && ev.ExitCode == nil
}

func firstString(obj map[string]any, keys []string) string {
	for _, key := range keys {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstStringIn(primary, fallback map[string]any, keys []string) string {
	if v := firstString(primary, keys); v != "" {
		return v
	}
	return firstString(fallback, keys)
}

func firstInt(obj map[string]any, keys []string) *int {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case float64:
			n := int(v)
			return &n
		case json.Number:
			if i, err := v.Int64(); err == nil {
				n := int(i)
				return &n
			}
		}
	}
	return nil
}
