// Package orchestrator owns the agent run lifecycle: it spawns runs
// through the supervisor, consumes decoded stream events, executes tool
// callbacks through the router, and republishes everything to the
// client connection registered for the session.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/agent-host/internal/persistence"
	"github.com/workspace/agent-host/internal/stream"
	"github.com/workspace/agent-host/internal/supervisor"
	"github.com/workspace/agent-host/internal/toolcall"
	"github.com/workspace/agent-host/internal/workspace"
)

// ClientConn is one live browser connection. Implementations must
// serialize concurrent Send calls.
type ClientConn interface {
	Send(msg any) error
}

// Config holds the orchestrator's tunables.
type Config struct {
	AgentCommand       string
	AgentArgs          []string
	DefaultModel       string
	SystemInstructions string
	DisabledTools      []string
	// ToolTimeout bounds each call in a callback batch independently.
	ToolTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 3 * time.Minute
	}
}

type sessionKey struct {
	workspaceID   string
	chatSessionID string
}

// AgentRun is one live run of the agent process.
type AgentRun struct {
	ID            string
	WorkspaceID   string
	ChatSessionID string
	Model         string

	handle  *supervisor.Handle
	decoder *stream.Decoder

	mu     sync.Mutex
	status string // running, ended, errored
	tools  map[string]*ToolCallState
}

// Status returns the run's current lifecycle status.
func (r *AgentRun) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Orchestrator coordinates runs, connections, and tool execution.
type Orchestrator struct {
	cfg        Config
	workspaces *workspace.Manager
	router     *toolcall.Router
	store      *persistence.Store // optional; nil disables continuity
	events     *EventLog

	mu    sync.Mutex
	runs  map[sessionKey]*AgentRun
	conns map[sessionKey]ClientConn
}

// New creates an Orchestrator. store may be nil, in which case run
// continuity across restarts is disabled.
func New(cfg Config, ws *workspace.Manager, router *toolcall.Router, store *persistence.Store, events *EventLog) *Orchestrator {
	cfg.applyDefaults()
	if events == nil {
		events = NewEventLog()
	}
	return &Orchestrator{
		cfg:        cfg,
		workspaces: ws,
		router:     router,
		store:      store,
		events:     events,
		runs:       make(map[sessionKey]*AgentRun),
		conns:      make(map[sessionKey]ClientConn),
	}
}

// Events returns the diagnostic event log.
func (o *Orchestrator) Events() *EventLog { return o.events }

// ActiveRuns reports how many runs are currently live.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// RegisterConn associates a live connection with a session so callback
// tool execution can push events to it. It replaces any previous
// connection for the pair.
func (o *Orchestrator) RegisterConn(workspaceID, chatSessionID string, conn ClientConn) {
	key := sessionKey{workspaceID, chatSessionID}
	o.mu.Lock()
	o.conns[key] = conn
	o.mu.Unlock()
}

// UnregisterConn removes a connection if it is still the registered one.
func (o *Orchestrator) UnregisterConn(workspaceID, chatSessionID string, conn ClientConn) {
	key := sessionKey{workspaceID, chatSessionID}
	o.mu.Lock()
	if o.conns[key] == conn {
		delete(o.conns, key)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) connFor(key sessionKey) ClientConn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns[key]
}

// reject pushes an error message to the connection and passes the
// error back for the transport layer to log.
func (o *Orchestrator) reject(conn ClientConn, err error) error {
	if conn != nil {
		_ = conn.Send(errorMessage{Type: "error", Error: err.Error()})
	}
	return err
}

func (o *Orchestrator) send(key sessionKey, msg any) {
	conn := o.connFor(key)
	if conn == nil {
		return
	}
	if err := conn.Send(msg); err != nil {
		slog.Debug("client send failed", "workspaceId", key.workspaceID, "error", err)
	}
}

// StartRun spawns the agent process for a run request. Every failure is
// both returned and reported to the connection as an error message.
func (o *Orchestrator) StartRun(req RunRequest, conn ClientConn) (*AgentRun, error) {
	if req.WorkspaceID == "" {
		return nil, o.reject(conn, fmt.Errorf("run request is missing workspaceId"))
	}
	if req.Message == "" {
		return nil, o.reject(conn, fmt.Errorf("run request is missing a message"))
	}

	model := req.Model
	if model == "" {
		model = o.cfg.DefaultModel
	}

	run := &AgentRun{
		ID:            uuid.NewString(),
		WorkspaceID:   req.WorkspaceID,
		ChatSessionID: req.ChatSessionID,
		Model:         model,
		decoder:       stream.NewDecoder(),
		status:        "running",
		tools:         make(map[string]*ToolCallState),
	}

	// Reserve the session slot before any setup work. The check and the
	// insertion must happen under one lock, or two concurrent requests
	// for the same session both pass the guard and the second clobbers
	// the first run's entry.
	key := sessionKey{req.WorkspaceID, req.ChatSessionID}
	o.mu.Lock()
	if existing, ok := o.runs[key]; ok {
		o.mu.Unlock()
		return nil, o.reject(conn, fmt.Errorf("a run is already active for this session (run %s)", existing.ID))
	}
	o.runs[key] = run
	o.conns[key] = conn
	o.mu.Unlock()

	// Every failure after reservation must release the slot.
	release := func() {
		o.mu.Lock()
		if o.runs[key] == run {
			delete(o.runs, key)
		}
		o.mu.Unlock()
	}

	if len(req.ConversationMessages) > 0 {
		slog.Debug("run request carried conversation history",
			"workspaceId", req.WorkspaceID, "messages", len(req.ConversationMessages))
	}

	dir, err := o.workspaces.Ensure(req.WorkspaceID)
	if err != nil {
		release()
		return nil, o.reject(conn, fmt.Errorf("prepare workspace: %w", err))
	}

	continuationID := ""
	if o.store != nil {
		if sess, err := o.store.GetSession(req.WorkspaceID, req.ChatSessionID); err != nil {
			slog.Warn("session lookup failed", "workspaceId", req.WorkspaceID, "error", err)
		} else if sess != nil {
			continuationID = sess.ContinuationID
		}
	}

	if o.store != nil {
		if err := o.store.InsertRun(persistence.RunRecord{
			ID:            run.ID,
			WorkspaceID:   run.WorkspaceID,
			ChatSessionID: run.ChatSessionID,
			Model:         model,
			Status:        "running",
		}); err != nil {
			slog.Warn("run insert failed", "runId", run.ID, "error", err)
		}
		if err := o.store.SaveSession(persistence.Session{
			WorkspaceID:    run.WorkspaceID,
			ChatSessionID:  run.ChatSessionID,
			ContinuationID: continuationID,
			Model:          model,
			LastPrompt:     req.Message,
		}); err != nil {
			slog.Warn("session save failed", "workspaceId", run.WorkspaceID, "error", err)
		}
	}

	spec := supervisor.RunSpec{
		WorkspaceDir:       dir,
		Message:            req.Message,
		Model:              model,
		ContinuationID:     continuationID,
		AgentCommand:       o.cfg.AgentCommand,
		AgentArgs:          o.cfg.AgentArgs,
		SystemInstructions: o.cfg.SystemInstructions,
		DisabledTools:      o.cfg.DisabledTools,
	}

	handle, err := supervisor.StartRun(spec, supervisor.Callbacks{
		OnData: func(data []byte) {
			o.handleData(run, key, data)
		},
		OnEnd: func(exitCode int) {
			o.handleEnd(run, key, exitCode)
		},
	})
	if err != nil {
		o.events.Append(req.WorkspaceID, "run_error", fmt.Sprintf("agent spawn failed: %v", err))
		if o.store != nil {
			_ = o.store.FinishRun(run.ID, "errored", -1)
		}
		release()
		o.send(key, errorMessage{Type: "error", Error: fmt.Sprintf("failed to start agent: %v", err)})
		return nil, err
	}

	run.mu.Lock()
	run.handle = handle
	run.mu.Unlock()

	o.events.Append(req.WorkspaceID, "run_started",
		fmt.Sprintf("run %s started (model %s, pty %v)", run.ID, model, handle.UsedPTY()))
	return run, nil
}

// handleData consumes one raw output chunk from the agent process.
// Supervisor callbacks are serialized, so the decoder needs no locking.
func (o *Orchestrator) handleData(run *AgentRun, key sessionKey, data []byte) {
	for _, ev := range run.decoder.Feed(data) {
		switch {
		case ev.SessionID != "":
			o.recordContinuation(run, ev.SessionID)
		case ev.Tool != nil:
			o.handleToolEvent(run, key, ev.Tool)
		case ev.Text != "":
			o.send(key, chunkMessage{Type: "chunk", Data: ev.Text})
		}
	}
}

func (o *Orchestrator) recordContinuation(run *AgentRun, continuationID string) {
	if o.store == nil {
		return
	}
	lastPrompt := ""
	if sess, err := o.store.GetSession(run.WorkspaceID, run.ChatSessionID); err == nil && sess != nil {
		lastPrompt = sess.LastPrompt
	}
	if err := o.store.SaveSession(persistence.Session{
		WorkspaceID:    run.WorkspaceID,
		ChatSessionID:  run.ChatSessionID,
		ContinuationID: continuationID,
		Model:          run.Model,
		LastPrompt:     lastPrompt,
	}); err != nil {
		slog.Warn("continuation save failed", "workspaceId", run.WorkspaceID, "error", err)
	}
}

// handleToolEvent upserts the call state and republishes it.
func (o *Orchestrator) handleToolEvent(run *AgentRun, key sessionKey, ev *stream.ToolEvent) {
	if ev.Recovered {
		o.events.Append(run.WorkspaceID, "decode_recovery",
			fmt.Sprintf("tool event %s (%s) recovered by pattern search", ev.CallID, ev.Name))
	}

	run.mu.Lock()
	state, ok := run.tools[ev.CallID]
	if !ok {
		state = &ToolCallState{CallID: ev.CallID, Pending: true}
		run.tools[ev.CallID] = state
	}
	state.merge(ev)
	msg := state.message()
	run.mu.Unlock()

	o.send(key, msg)
}

// handleEnd fires exactly once per run, from the supervisor.
func (o *Orchestrator) handleEnd(run *AgentRun, key sessionKey, exitCode int) {
	run.mu.Lock()
	run.status = "ended"
	run.mu.Unlock()

	o.mu.Lock()
	if o.runs[key] == run {
		delete(o.runs, key)
	}
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.FinishRun(run.ID, "ended", exitCode); err != nil {
			slog.Warn("run finish failed", "runId", run.ID, "error", err)
		}
	}

	o.events.Append(run.WorkspaceID, "run_ended",
		fmt.Sprintf("run %s ended with code %d", run.ID, exitCode))
	o.send(key, endMessage{Type: "end", Code: exitCode})
}

// Abort terminates every live run for a workspace. Returns whether any
// run was found.
func (o *Orchestrator) Abort(workspaceID string) bool {
	o.mu.Lock()
	var runs []*AgentRun
	for key, run := range o.runs {
		if key.workspaceID == workspaceID {
			runs = append(runs, run)
		}
	}
	o.mu.Unlock()

	for _, run := range runs {
		// The run is reserved before its process is spawned; a run
		// caught in that window has no handle yet and its spawn error
		// path will release it.
		run.mu.Lock()
		h := run.handle
		run.mu.Unlock()
		if h != nil {
			h.Abort()
		}
	}
	if len(runs) > 0 {
		o.events.Append(workspaceID, "run_aborted", "abort requested by client")
	}
	return len(runs) > 0
}

// ExecuteToolCalls runs a batch of callback tool calls: fan-out with
// independent per-call timeouts, join-all. A failure in one call never
// cancels its siblings. Tool state and output are pushed to whichever
// connection is registered for the session, and results are returned in
// input order.
func (o *Orchestrator) ExecuteToolCalls(ctx context.Context, workspaceID, chatSessionID string, calls []*stream.ToolEvent) []toolcall.ToolResult {
	key := sessionKey{workspaceID, chatSessionID}

	hooks := toolcall.Hooks{
		OnOutput: func(callID string, chunk []byte) {
			o.send(key, toolOutputStreamMessage{Type: "tool_output_stream", CallID: callID, Chunk: string(chunk)})
		},
		OnExit: func(callID string, exitCode int) {
			o.send(key, toolOutputEndMessage{Type: "tool_output_end", CallID: callID, ExitCode: exitCode})
		},
		OnPreviewReady: func(wsID string, port int, host string) {
			o.events.Append(wsID, "preview_ready", fmt.Sprintf("dev server answering on %s:%d", host, port))
			o.send(key, previewReadyMessage{
				Type:        "preview_ready",
				WorkspaceID: wsID,
				Port:        port,
				URL:         fmt.Sprintf("http://%s:%d/", host, port),
			})
		},
		OnPreviewRefresh: func(wsID string) {
			o.send(key, previewRefreshMessage{Type: "preview_refresh", WorkspaceID: wsID})
		},
	}

	results := make([]toolcall.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call *stream.ToolEvent) {
			defer wg.Done()

			o.publishCallState(key, call, true, false)

			callCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
			defer cancel()
			res := o.router.Execute(callCtx, workspaceID, call, hooks)
			results[i] = res

			if !res.Success {
				o.events.Append(workspaceID, "tool_failed",
					fmt.Sprintf("%s (%s): %s", call.Name, call.CallID, res.Error))
			}
			o.publishCallState(key, call, false, !res.Success)
		}(i, call)
	}
	wg.Wait()
	return results
}

// publishCallState pushes a tool_call update for a callback-invoked
// call, merging into the run's state when one is live for the session.
func (o *Orchestrator) publishCallState(key sessionKey, call *stream.ToolEvent, pending, failed bool) {
	o.mu.Lock()
	run := o.runs[key]
	o.mu.Unlock()

	ev := *call
	ev.Pending = pending

	var msg toolCallMessage
	if run != nil {
		run.mu.Lock()
		state, ok := run.tools[call.CallID]
		if !ok {
			state = &ToolCallState{CallID: call.CallID, Pending: true}
			run.tools[call.CallID] = state
		}
		state.merge(&ev)
		if failed {
			state.Failed = true
		}
		msg = state.message()
		run.mu.Unlock()
	} else {
		state := &ToolCallState{CallID: call.CallID, Pending: true}
		state.merge(&ev)
		state.Failed = failed
		msg = state.message()
	}
	o.send(key, msg)
}
