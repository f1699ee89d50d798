// Package supervisor spawns and supervises one agent CLI process per run.
// The agent's CLI buffers or reformats structured output when it is not
// attached to a tty, so the preferred execution strategy attaches the child
// to a pseudo-terminal; a plain pipe spawn is the automatic fallback.
package supervisor

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ExitSignalled is the sentinel exit code reported when the agent process
// was terminated by a signal, distinct from any normal child exit status.
const ExitSignalled = -1

// tailCapacity bounds the trailing raw-output buffer kept for diagnostics.
const tailCapacity = 8192

// Callbacks receive the merged, ordered output stream and the single
// terminal notification for a run.
type Callbacks struct {
	// OnData is invoked for each chunk of merged stdout+stderr, in order.
	OnData func(data []byte)
	// OnEnd is invoked exactly once when the process ends, with the exit
	// code or ExitSignalled.
	OnEnd func(exitCode int)
}

// RunSpec describes one agent process launch.
type RunSpec struct {
	// WorkspaceDir is the working directory for the child. Must exist.
	WorkspaceDir string
	// Message is the user prompt delivered as the run's input.
	Message string
	// Model is the target model id passed to the agent CLI.
	Model string
	// ContinuationID resumes a prior multi-turn agent session when set.
	ContinuationID string
	// AgentCommand is the agent executable; AgentArgs are fixed leading
	// arguments (both from configuration).
	AgentCommand string
	AgentArgs    []string
	// SystemInstructions are embedded in the run configuration bundle.
	SystemInstructions string
	// DisabledTools lists the agent's built-in tools switched off in the
	// permission matrix so only the host's custom tool set is used.
	DisabledTools []string
	// ExtraEnv supplements the child environment.
	ExtraEnv []string
	// DisablePTY forces the plain-pipe strategy. The pty path is also
	// skipped on platforms where it is unreliable with structured output.
	DisablePTY bool
}

// runConfigBundle is the per-run configuration written to a temp file and
// referenced through the child's environment.
type runConfigBundle struct {
	SystemInstructions string          `json:"systemInstructions"`
	Permissions        map[string]bool `json:"permissions"`
}

// Handle identifies a running agent process and allows aborting it.
type Handle struct {
	cmd        *exec.Cmd
	ptmx       *os.File
	usedPTY    bool
	configPath string
	tail       *tailBuffer

	endOnce sync.Once
	doneCh  chan struct{}
}

// Done is closed after the terminal callback has fired.
func (h *Handle) Done() <-chan struct{} { return h.doneCh }

// UsedPTY reports which execution strategy the run ended up on.
func (h *Handle) UsedPTY() bool { return h.usedPTY }

// StartRun spawns the agent process for one run. Output is delivered to
// cb.OnData in order; cb.OnEnd fires exactly once. The only fatal error is
// failing to spawn at all.
func StartRun(spec RunSpec, cb Callbacks) (*Handle, error) {
	configPath, err := writeConfigBundle(spec)
	if err != nil {
		return nil, fmt.Errorf("write run config bundle: %w", err)
	}

	h := &Handle{
		configPath: configPath,
		tail:       newTailBuffer(tailCapacity),
		doneCh:     make(chan struct{}),
	}

	cmd := buildCommand(spec, configPath)
	h.cmd = cmd

	if !spec.DisablePTY && ptyReliable() {
		ptmx, ptyErr := pty.Start(cmd)
		if ptyErr == nil {
			h.ptmx = ptmx
			h.usedPTY = true
			go h.readLoop(ptmx, cb)
			return h, nil
		}
		slog.Warn("supervisor: pty start failed, falling back to pipes", "error", ptyErr)
		// The failed start may have half-initialized the cmd; rebuild.
		cmd = buildCommand(spec, configPath)
		h.cmd = cmd
	}

	merged := &callbackWriter{h: h, cb: cb}
	cmd.Stdout = merged
	cmd.Stderr = merged

	if err := cmd.Start(); err != nil {
		os.Remove(configPath)
		return nil, fmt.Errorf("spawn agent process: %w", err)
	}
	go h.waitPipes(cb)
	return h, nil
}

// Abort terminates the run: a graceful signal first, escalating to a
// forceful kill if the graceful one cannot be delivered.
func (h *Handle) Abort() {
	if h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = h.cmd.Process.Kill()
	}
	if h.ptmx != nil {
		_ = h.ptmx.Close()
	}
}

// Tail returns the trailing raw output captured for diagnostics.
func (h *Handle) Tail() []byte { return h.tail.Tail() }

// readLoop streams pty output to the callback until the child exits.
func (h *Handle) readLoop(ptmx *os.File, cb Callbacks) {
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.tail.Write(chunk)
			if cb.OnData != nil {
				cb.OnData(chunk)
			}
		}
		if err != nil {
			// EIO is the normal pty read error after child exit.
			break
		}
	}
	_ = ptmx.Close()
	err := h.cmd.Wait()
	h.finish(exitCodeFromWait(h.cmd, err), cb)
}

// waitPipes waits for a pipe-strategy child and fires the terminal callback.
func (h *Handle) waitPipes(cb Callbacks) {
	err := h.cmd.Wait()
	h.finish(exitCodeFromWait(h.cmd, err), cb)
}

func (h *Handle) finish(exitCode int, cb Callbacks) {
	h.endOnce.Do(func() {
		os.Remove(h.configPath)
		if exitCode != 0 {
			slog.Warn("supervisor: agent process ended abnormally",
				"exitCode", exitCode, "tail", string(h.Tail()))
		}
		if cb.OnEnd != nil {
			cb.OnEnd(exitCode)
		}
		close(h.doneCh)
	})
}

// callbackWriter serializes merged stdout+stderr into ordered OnData calls.
type callbackWriter struct {
	h  *Handle
	cb Callbacks
	mu sync.Mutex
}

func (w *callbackWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.h.tail.Write(chunk)
	if w.cb.OnData != nil {
		w.cb.OnData(chunk)
	}
	return len(p), nil
}

// buildCommand assembles the child command for a run.
func buildCommand(spec RunSpec, configPath string) *exec.Cmd {
	args := append([]string{}, spec.AgentArgs...)
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ContinuationID != "" {
		args = append(args, "--resume", spec.ContinuationID)
	}
	args = append(args, spec.Message)

	cmd := exec.Command(spec.AgentCommand, args...)
	cmd.Dir = spec.WorkspaceDir
	cmd.Env = append(os.Environ(), spec.ExtraEnv...)
	cmd.Env = append(cmd.Env,
		"AGENT_HOST_CONFIG="+configPath,
		"TERM=xterm-256color",
	)
	return cmd
}

// writeConfigBundle writes the per-run configuration (system instructions
// plus the tool-permission matrix) to a temp file the child reads via env.
func writeConfigBundle(spec RunSpec) (string, error) {
	bundle := runConfigBundle{
		SystemInstructions: spec.SystemInstructions,
		Permissions:        make(map[string]bool, len(spec.DisabledTools)),
	}
	for _, tool := range spec.DisabledTools {
		bundle.Permissions[tool] = false
	}

	f, err := os.CreateTemp("", fmt.Sprintf("agent-run-%d-*.json", time.Now().UnixNano()))
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(bundle); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// exitCodeFromWait maps a Wait result to the reported exit code, with the
// signal sentinel for signal-terminated children.
func exitCodeFromWait(cmd *exec.Cmd, err error) int {
	state := cmd.ProcessState
	if state == nil {
		return ExitSignalled
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitSignalled
	}
	code := state.ExitCode()
	if code < 0 {
		return ExitSignalled
	}
	if err != nil && code == 0 {
		// Wait failed for a non-exit reason; report generic failure.
		return 1
	}
	return code
}

// ptyReliable reports whether the pseudo-terminal strategy is trustworthy
// for structured output on this platform.
func ptyReliable() bool {
	return runtime.GOOS != "windows"
}

var _ io.Writer = (*callbackWriter)(nil)
