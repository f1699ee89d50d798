package preview

import (
	"log/slog"
	"strings"
	"sync"
)

// DevServerRegistry tracks at most one dev-server process per workspace.
// A new launch always kills the previous entry first.
type DevServerRegistry struct {
	mu   sync.Mutex
	kill map[string]func()
}

// NewDevServerRegistry creates an empty registry.
func NewDevServerRegistry() *DevServerRegistry {
	return &DevServerRegistry{kill: make(map[string]func())}
}

// Track registers the kill function for the workspace's dev-server process,
// killing any previously tracked process for the same workspace first.
func (r *DevServerRegistry) Track(workspaceID string, kill func()) {
	r.mu.Lock()
	previous := r.kill[workspaceID]
	r.kill[workspaceID] = kill
	r.mu.Unlock()

	if previous != nil {
		slog.Info("preview: killing previous dev server", "workspaceID", workspaceID)
		previous()
	}
}

// Kill terminates and untracks the workspace's dev server, if any.
// Returns true if a process was tracked.
func (r *DevServerRegistry) Kill(workspaceID string) bool {
	r.mu.Lock()
	kill, ok := r.kill[workspaceID]
	delete(r.kill, workspaceID)
	r.mu.Unlock()

	if ok && kill != nil {
		kill()
	}
	return ok
}

// Untrack removes the entry without killing, used when the process has
// already exited on its own.
func (r *DevServerRegistry) Untrack(workspaceID string) {
	r.mu.Lock()
	delete(r.kill, workspaceID)
	r.mu.Unlock()
}

// Tracked reports whether a dev server is currently tracked for the workspace.
func (r *DevServerRegistry) Tracked(workspaceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.kill[workspaceID]
	return ok
}

// devServerPrefixes are the command shapes recognized as dev-server
// launches. Matching is on the normalized command, whitespace collapsed.
var devServerPrefixes = []string{
	"npm run dev",
	"npm run start",
	"npm start",
	"npm run serve",
	"pnpm run dev",
	"pnpm dev",
	"pnpm start",
	"yarn dev",
	"yarn start",
	"yarn serve",
	"bun run dev",
	"bun dev",
	"npx vite",
	"npx next dev",
}

// IsDevServerCommand reports whether the shell command looks like a
// long-running dev-server launch rather than a bounded build step.
func IsDevServerCommand(command string) bool {
	normalized := strings.Join(strings.Fields(strings.ToLower(command)), " ")
	for _, prefix := range devServerPrefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") {
			return true
		}
	}
	return false
}

// Build-completion / hot-reload signatures. Used only to tell the client to
// refresh an open preview; they have no effect on process tracking.
var refreshSignatures = []string{
	"compiled successfully",
	"build completed",
	"built in",
	"hmr update",
	"hot module replacement",
	"page reload",
	"webpack compiled",
	"ready in",
}

// IsBuildRefreshSignal reports whether output text indicates a finished
// rebuild that should trigger a client preview refresh.
func IsBuildRefreshSignal(output string) bool {
	lower := strings.ToLower(output)
	for _, sig := range refreshSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}
