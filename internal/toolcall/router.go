// Package toolcall executes one normalized tool call on behalf of the
// agent: shell commands through the sandbox, file primitives contained
// to the workspace, searches, and synthesis-backed edits.
package toolcall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/agent-host/internal/preview"
	"github.com/workspace/agent-host/internal/stream"
	"github.com/workspace/agent-host/internal/synthesis"
	"github.com/workspace/agent-host/internal/workspace"
)

// ToolResult is the outcome of a single tool call. Every branch of the
// router produces one; no failure escapes as a panic or error value.
type ToolResult struct {
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

func failure(format string, args ...any) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

func success(output string) ToolResult {
	return ToolResult{Success: true, Output: output}
}

// Hooks let the caller observe long-running tool execution. All fields
// are optional.
type Hooks struct {
	// OnOutput delivers shell output chunks as they arrive, including
	// after a dev-server call has already resolved optimistically.
	OnOutput func(callID string, chunk []byte)
	// OnExit fires when a shell process actually ends.
	OnExit func(callID string, exitCode int)
	// OnPreviewReady fires once a detected dev-server port answers a probe.
	OnPreviewReady func(workspaceID string, port int, host string)
	// OnPreviewRefresh fires on build-completed / hot-reload output.
	OnPreviewRefresh func(workspaceID string)
}

// LastEdit is the per-workspace slot recording the most recent edit so a
// later reapply can retry it against current file content.
type LastEdit struct {
	TargetFile   string
	Instructions string
	EditSketch   string
}

// Config holds the router's tunables.
type Config struct {
	ShellTimeout time.Duration // max runtime for non-dev-server commands
	GraceWindow  time.Duration // optimistic resolution window for dev servers
	LintTimeout  time.Duration
	ProbeTimeout time.Duration // dev-server reachability probe budget
	LintCommand  string        // project lint invocation, e.g. "npm run lint"
}

func (c *Config) applyDefaults() {
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = 2 * time.Minute
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 5 * time.Second
	}
	if c.LintTimeout <= 0 {
		c.LintTimeout = 90 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 30 * time.Second
	}
	if c.LintCommand == "" {
		c.LintCommand = "npm run lint"
	}
}

// Router dispatches normalized tool calls. One instance serves all
// workspaces; per-workspace state lives in the registries it holds.
type Router struct {
	workspaces *workspace.Manager
	ports      *preview.PortRegistry
	devServers *preview.DevServerRegistry
	commands   *preview.CommandRegistry
	applier    synthesis.Applier
	cfg        Config

	mu        sync.Mutex
	lastEdits map[string]LastEdit
}

// New creates a Router over the shared registries.
func New(ws *workspace.Manager, ports *preview.PortRegistry, devServers *preview.DevServerRegistry, commands *preview.CommandRegistry, applier synthesis.Applier, cfg Config) *Router {
	cfg.applyDefaults()
	return &Router{
		workspaces: ws,
		ports:      ports,
		devServers: devServers,
		commands:   commands,
		applier:    applier,
		cfg:        cfg,
		lastEdits:  make(map[string]LastEdit),
	}
}

// LastEditFor returns the workspace's recorded edit slot, if any.
func (r *Router) LastEditFor(workspaceID string) (LastEdit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	le, ok := r.lastEdits[workspaceID]
	return le, ok
}

func (r *Router) recordEdit(workspaceID string, le LastEdit) {
	r.mu.Lock()
	r.lastEdits[workspaceID] = le
	r.mu.Unlock()
}

// Execute runs one tool call to completion and returns its result.
// It never panics past this point: unexpected failures become failed
// results so a long run survives any single bad call.
func (r *Router) Execute(ctx context.Context, workspaceID string, call *stream.ToolEvent, hooks Hooks) (result ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool call panicked",
				"workspaceId", workspaceID,
				"tool", call.Name,
				"callId", call.CallID,
				"panic", rec,
			)
			result = failure("internal error executing %s: %v", call.Name, rec)
		}
	}()

	dir, err := r.workspaces.Ensure(workspaceID)
	if err != nil {
		return failure("workspace unavailable: %v", err)
	}

	op := Normalize(call.Name)
	switch op {
	case OpShell:
		return r.execShell(ctx, workspaceID, dir, call, hooks)
	case OpReadFile:
		return r.readFile(dir, call)
	case OpWriteFile:
		return r.writeFile(dir, call)
	case OpEditFile:
		return r.editFile(ctx, workspaceID, dir, call)
	case OpReapply:
		return r.reapply(ctx, workspaceID, dir)
	case OpDeleteFile:
		return r.deleteFile(dir, call)
	case OpListDir:
		return r.listDir(dir, call)
	case OpGrepSearch:
		return r.grepSearch(dir, call)
	case OpFileSearch:
		return r.fileSearch(dir, call)
	case OpKeywordSearch:
		return r.keywordSearch(dir, call)
	case OpLintCheck:
		return r.lintCheck(ctx, dir)
	case OpTodoWrite:
		// Todo lists render client-side; acknowledging is the whole job.
		return ToolResult{Success: true, Payload: call.Todos}
	default:
		return failure("unknown tool %q", call.Name)
	}
}
