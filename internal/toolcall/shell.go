package toolcall

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/workspace/agent-host/internal/preview"
	"github.com/workspace/agent-host/internal/sandbox"
	"github.com/workspace/agent-host/internal/stream"
)

// maxShellOutput bounds the output captured into the ToolResult; hooks
// still receive everything.
const maxShellOutput = 64 * 1024

// refreshMinInterval throttles preview refresh signals from chatty
// dev-server rebuild output.
const refreshMinInterval = 2 * time.Second

// settleOnce resolves a shell result exactly once across its competing
// completion triggers: process exit, timeout, and the dev-server grace
// window.
type settleOnce struct {
	once sync.Once
	ch   chan ToolResult
}

func newSettleOnce() *settleOnce {
	return &settleOnce{ch: make(chan ToolResult, 1)}
}

func (s *settleOnce) settle(res ToolResult) {
	s.once.Do(func() { s.ch <- res })
}

func (s *settleOnce) wait() ToolResult {
	return <-s.ch
}

// shellWriter fans merged process output out to the captured buffer, the
// caller's hooks, and the preview detectors.
type shellWriter struct {
	r           *Router
	workspaceID string
	callID      string
	hooks       Hooks

	mu          sync.Mutex
	buf         bytes.Buffer
	portFound   bool
	lastRefresh time.Time
}

func (w *shellWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.buf.Len() < maxShellOutput {
		remain := maxShellOutput - w.buf.Len()
		if remain > len(p) {
			remain = len(p)
		}
		w.buf.Write(p[:remain])
	}
	w.mu.Unlock()

	if w.hooks.OnOutput != nil {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.hooks.OnOutput(w.callID, chunk)
	}

	text := string(p)
	w.scanForPort(text)
	w.scanForRefresh(text)
	return len(p), nil
}

func (w *shellWriter) scanForPort(text string) {
	w.mu.Lock()
	already := w.portFound
	w.mu.Unlock()
	if already {
		return
	}
	port := preview.DetectPort(text)
	if port == 0 {
		return
	}
	if !w.r.ports.Register(w.workspaceID, port) {
		return
	}
	w.mu.Lock()
	w.portFound = true
	w.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.r.cfg.ProbeTimeout)
		defer cancel()
		host, err := preview.WaitReachable(ctx, port, w.r.cfg.ProbeTimeout)
		if err != nil {
			// Advertising an unreachable port is worse than advertising
			// nothing; leave the registry entry for the TTL to reap.
			return
		}
		w.r.ports.SetResolvedHost(w.workspaceID, host)
		if w.hooks.OnPreviewReady != nil {
			w.hooks.OnPreviewReady(w.workspaceID, port, host)
		}
	}()
}

func (w *shellWriter) scanForRefresh(text string) {
	if w.hooks.OnPreviewRefresh == nil || !preview.IsBuildRefreshSignal(text) {
		return
	}
	w.mu.Lock()
	throttled := time.Since(w.lastRefresh) < refreshMinInterval
	if !throttled {
		w.lastRefresh = time.Now()
	}
	w.mu.Unlock()
	if !throttled {
		w.hooks.OnPreviewRefresh(w.workspaceID)
	}
}

func (w *shellWriter) snapshot() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (r *Router) execShell(ctx context.Context, workspaceID, dir string, call *stream.ToolEvent, hooks Hooks) ToolResult {
	command := call.Command
	if command == "" {
		return failure("shell call %s is missing a command", call.CallID)
	}

	if sandbox.IsKillAllCommand(command) {
		return failure("command %q is blocked: process-wide kill commands are not permitted", command)
	}
	if !sandbox.IsAllowed(command) {
		return failure("command %q is blocked: only package-manager, version-control, and basic file commands are permitted", command)
	}
	if sandbox.AttemptsEscape(command, dir) {
		return failure("command %q is blocked: it would change directory outside the workspace", command)
	}

	isDev := preview.IsDevServerCommand(command)

	writer := &shellWriter{
		r:           r,
		workspaceID: workspaceID,
		callID:      call.CallID,
		hooks:       hooks,
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = writer
	cmd.Stderr = writer
	// Own process group so killing the shell reaches its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if isDev {
		// A new dev server replaces the previous one for this workspace.
		r.devServers.Kill(workspaceID)
	}

	if err := cmd.Start(); err != nil {
		return failure("failed to start command: %v", err)
	}

	kill := func() {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}
	r.commands.Register(workspaceID, call.CallID, kill)
	if isDev {
		r.devServers.Track(workspaceID, kill)
	}

	settle := newSettleOnce()
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		err := cmd.Wait()
		code := shellExitCode(cmd, err)
		output := writer.snapshot()

		r.commands.Remove(workspaceID, call.CallID)
		if isDev {
			r.devServers.Untrack(workspaceID)
			r.ports.Invalidate(workspaceID)
		}
		if hooks.OnExit != nil {
			hooks.OnExit(call.CallID, code)
		}

		if code == 0 {
			settle.settle(ToolResult{Success: true, Output: output, ExitCode: &code})
		} else {
			settle.settle(ToolResult{
				Success:  false,
				Output:   output,
				Error:    fmt.Sprintf("command exited with code %d", code),
				ExitCode: &code,
			})
		}
	}()

	if isDev {
		// Dev servers run indefinitely; resolve optimistically after the
		// grace window while output keeps streaming through the hooks.
		go func() {
			timer := time.NewTimer(r.cfg.GraceWindow)
			defer timer.Stop()
			select {
			case <-timer.C:
				settle.settle(ToolResult{
					Success: true,
					Output:  writer.snapshot(),
					Payload: map[string]any{"devServer": true},
				})
			case <-exited:
			case <-ctx.Done():
			}
		}()
	} else {
		go func() {
			timer := time.NewTimer(r.cfg.ShellTimeout)
			defer timer.Stop()
			select {
			case <-exited:
			case <-timer.C:
				kill()
				settle.settle(ToolResult{
					Success: false,
					Output:  writer.snapshot(),
					Error:   fmt.Sprintf("command timed out after %s", r.cfg.ShellTimeout),
				})
			case <-ctx.Done():
				kill()
				settle.settle(ToolResult{
					Success: false,
					Output:  writer.snapshot(),
					Error:   "command cancelled",
				})
			}
		}()
	}

	return settle.wait()
}

func shellExitCode(cmd *exec.Cmd, err error) int {
	state := cmd.ProcessState
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if err != nil {
		return -1
	}
	return 0
}
