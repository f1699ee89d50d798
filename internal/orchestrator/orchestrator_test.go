package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workspace/agent-host/internal/persistence"
	"github.com/workspace/agent-host/internal/preview"
	"github.com/workspace/agent-host/internal/stream"
	"github.com/workspace/agent-host/internal/supervisor"
	"github.com/workspace/agent-host/internal/toolcall"
	"github.com/workspace/agent-host/internal/workspace"
)

type stubApplier struct{}

func (stubApplier) Apply(_ context.Context, _, _, sketch string) (string, error) {
	return sketch, nil
}

// fakeConn records every message sent to the client.
type fakeConn struct {
	mu       sync.Mutex
	messages []any
}

func (c *fakeConn) Send(msg any) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) snapshot() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.messages))
	copy(out, c.messages)
	return out
}

// waitFor polls until pred matches one recorded message or the timeout
// elapses.
func (c *fakeConn) waitFor(t *testing.T, what string, pred func(any) bool) any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range c.snapshot() {
			if pred(msg) {
				return msg
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; got %#v", what, c.snapshot())
	return nil
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *persistence.Store) {
	t.Helper()
	ws := workspace.NewManager(t.TempDir())
	router := toolcall.New(
		ws,
		preview.NewPortRegistry(nil, time.Minute),
		preview.NewDevServerRegistry(),
		preview.NewCommandRegistry(),
		stubApplier{},
		toolcall.Config{},
	)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "/bin/sh"
	}
	return New(cfg, ws, router, store, nil), store
}

// shellAgent builds AgentArgs that run script via sh -c; the run message
// arrives as $1 and is ignored.
func shellAgent(script string) []string {
	return []string{"-c", script, "sh"}
}

func TestStartRunValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	if _, err := o.StartRun(RunRequest{Type: "run", Message: "hi"}, &fakeConn{}); err == nil {
		t.Fatal("missing workspaceId must fail")
	}
	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws"}, &fakeConn{}); err == nil {
		t.Fatal("missing message must fail")
	}
}

func TestRunPublishesChunksToolCallsAndEnd(t *testing.T) {
	script := `printf '%s\n' 'Let me look at that file.'
printf '%s\n' '{"tool":"read_file","callID":"c1","path":"a.txt","status":"pending"}'
printf '%s\n' '{"tool":"read_file","callID":"c1","status":"completed","output":"done","exitCode":0}'`
	o, _ := newTestOrchestrator(t, Config{AgentArgs: shellAgent(script)})

	conn := &fakeConn{}
	run, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "go"}, conn)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if run.Status() != "running" {
		t.Fatalf("status = %q", run.Status())
	}

	conn.waitFor(t, "chunk", func(m any) bool {
		c, ok := m.(chunkMessage)
		return ok && strings.Contains(c.Data, "Let me look")
	})
	conn.waitFor(t, "pending tool_call", func(m any) bool {
		tc, ok := m.(toolCallMessage)
		return ok && tc.CallID == "c1" && tc.Pending
	})
	completed := conn.waitFor(t, "completed tool_call", func(m any) bool {
		tc, ok := m.(toolCallMessage)
		return ok && tc.CallID == "c1" && !tc.Pending
	}).(toolCallMessage)
	if completed.Path != "a.txt" {
		t.Fatalf("completed update should inherit the path from the pending one: %+v", completed)
	}
	end := conn.waitFor(t, "end", func(m any) bool {
		_, ok := m.(endMessage)
		return ok
	}).(endMessage)
	if end.Code != 0 {
		t.Fatalf("end code = %d", end.Code)
	}

	if o.ActiveRuns() != 0 {
		t.Fatalf("run still registered after end")
	}
}

func TestRunRecordsContinuationID(t *testing.T) {
	script := `printf '%s\n' '{"session_id":"sess-42"}'`
	o, store := newTestOrchestrator(t, Config{AgentArgs: shellAgent(script)})

	conn := &fakeConn{}
	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", ChatSessionID: "chat", Message: "go"}, conn); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	conn.waitFor(t, "end", func(m any) bool { _, ok := m.(endMessage); return ok })

	sess, err := store.GetSession("ws", "chat")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess == nil || sess.ContinuationID != "sess-42" {
		t.Fatalf("session = %+v, want continuation sess-42", sess)
	}
}

func TestDuplicateRunRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{AgentArgs: shellAgent("sleep 5")})
	conn := &fakeConn{}
	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "go"}, conn); err != nil {
		t.Fatalf("first StartRun: %v", err)
	}
	defer o.Abort("ws")

	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "again"}, conn); err == nil {
		t.Fatal("second concurrent run for the same session must be rejected")
	}
}

func TestAbortEndsRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{AgentArgs: shellAgent("sleep 30")})
	conn := &fakeConn{}
	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "go"}, conn); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	// Give the child a moment to exec before signalling.
	time.Sleep(100 * time.Millisecond)
	if !o.Abort("ws") {
		t.Fatal("Abort found no run")
	}

	end := conn.waitFor(t, "end", func(m any) bool { _, ok := m.(endMessage); return ok }).(endMessage)
	if end.Code != supervisor.ExitSignalled {
		t.Fatalf("end code = %d, want signal sentinel", end.Code)
	}
}

func TestAbortWithoutRun(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	if o.Abort("nothing-here") {
		t.Fatal("Abort should report no run found")
	}
}

func TestStartRunSpawnFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{AgentCommand: "/no/such/binary"})
	conn := &fakeConn{}
	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "go"}, conn); err == nil {
		t.Fatal("unspawnable agent must be a fatal error")
	}
	conn.waitFor(t, "error message", func(m any) bool {
		e, ok := m.(errorMessage)
		return ok && strings.Contains(e.Error, "failed to start agent")
	})
	if o.ActiveRuns() != 0 {
		t.Fatal("failed run left registered")
	}
}

func TestExecuteToolCallsBatchIndependence(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	conn := &fakeConn{}
	o.RegisterConn("ws", "", conn)

	calls := []*stream.ToolEvent{
		{CallID: "ok", Name: "run_terminal_cmd", Command: "echo fine"},
		{CallID: "bad", Name: "no_such_tool"},
	}
	results := o.ExecuteToolCalls(context.Background(), "ws", "", calls)

	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if !results[0].Success {
		t.Fatalf("echo call failed: %+v", results[0])
	}
	if results[1].Success {
		t.Fatal("unknown tool call must fail without affecting its sibling")
	}

	conn.waitFor(t, "tool_output_end for ok", func(m any) bool {
		e, ok := m.(toolOutputEndMessage)
		return ok && e.CallID == "ok" && e.ExitCode == 0
	})
	conn.waitFor(t, "failed tool_call for bad", func(m any) bool {
		tc, ok := m.(toolCallMessage)
		return ok && tc.CallID == "bad" && tc.Failed && !tc.Pending
	})
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{AgentArgs: shellAgent("true")})
	conn := &fakeConn{}
	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "go"}, conn); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	conn.waitFor(t, "end", func(m any) bool { _, ok := m.(endMessage); return ok })

	var kinds []string
	for _, ev := range o.Events().Recent("ws") {
		kinds = append(kinds, ev.Kind)
	}
	joined := strings.Join(kinds, ",")
	if !strings.Contains(joined, "run_started") || !strings.Contains(joined, "run_ended") {
		t.Fatalf("event kinds = %v", kinds)
	}
}

func TestEventLogBounded(t *testing.T) {
	log := NewEventLog()
	for i := 0; i < maxEventsPerWorkspace+50; i++ {
		log.Append("ws", "k", "m")
	}
	if got := len(log.Recent("ws")); got != maxEventsPerWorkspace {
		t.Fatalf("event log length = %d, want %d", got, maxEventsPerWorkspace)
	}
}

func TestConcurrentStartRunSingleWinner(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{AgentArgs: shellAgent("sleep 5")})
	conn := &fakeConn{}
	defer o.Abort("ws")

	var wg sync.WaitGroup
	var started atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "go"}, conn); err == nil {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := started.Load(); got != 1 {
		t.Fatalf("%d concurrent runs started for the same session; want exactly 1", got)
	}
	if got := o.ActiveRuns(); got != 1 {
		t.Fatalf("ActiveRuns = %d, want 1", got)
	}
}

func TestFastExitReleasesRunSlot(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{AgentArgs: shellAgent("exit 0")})

	// A process that dies before StartRun returns must still leave the
	// session free for the next run.
	for i := 0; i < 20; i++ {
		conn := &fakeConn{}
		if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "ws", Message: "go"}, conn); err != nil {
			t.Fatalf("iteration %d: StartRun: %v", i, err)
		}
		conn.waitFor(t, "end", func(m any) bool { _, ok := m.(endMessage); return ok })
		if got := o.ActiveRuns(); got != 0 {
			t.Fatalf("iteration %d: ActiveRuns = %d after end, want 0", i, got)
		}
	}
}

func TestStartRunWorkspaceFailureReleasesSlot(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{AgentArgs: shellAgent("sleep 5")})

	// An invalid workspace id fails setup after the slot is reserved.
	conn := &fakeConn{}
	if _, err := o.StartRun(RunRequest{Type: "run", WorkspaceID: "../escape", Message: "go"}, conn); err == nil {
		t.Fatal("traversal workspace id must fail")
	}
	if got := o.ActiveRuns(); got != 0 {
		t.Fatalf("ActiveRuns = %d after failed setup, want 0", got)
	}
}
