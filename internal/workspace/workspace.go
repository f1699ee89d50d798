// Package workspace resolves and prepares the per-workspace project
// directories agent runs operate in.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager maps workspace ids to directories under a single root and
// prepares them for a run.
type Manager struct {
	root string
}

func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string { return m.root }

// Dir returns the directory for a workspace id without creating it.
// Ids that would resolve outside the root are rejected.
func (m *Manager) Dir(workspaceID string) (string, error) {
	if workspaceID == "" {
		return "", fmt.Errorf("workspace id is empty")
	}
	dir := filepath.Join(m.root, workspaceID)
	if !contains(m.root, dir) {
		return "", fmt.Errorf("workspace id %q resolves outside the workspaces root", workspaceID)
	}
	return dir, nil
}

// Ensure creates the workspace directory if needed and initializes a git
// root inside it so later edits can be diffed. A missing git binary is
// not fatal; diffing is a convenience, not a requirement.
func (m *Manager) Ensure(workspaceID string) (string, error) {
	dir, err := m.Dir(workspaceID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace directory: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		cmd := exec.Command("git", "init", "--quiet")
		cmd.Dir = dir
		if out, gitErr := cmd.CombinedOutput(); gitErr != nil {
			slog.Warn("git init failed for workspace",
				"workspaceId", workspaceID,
				"error", gitErr,
				"output", strings.TrimSpace(string(out)),
			)
		}
	}
	return dir, nil
}

// ResolvePath resolves a tool-supplied path against a workspace directory
// and rejects any result that falls outside it. Absolute paths are
// re-rooted only if they already point inside the workspace.
func ResolvePath(workspaceDir, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path is empty")
	}
	var resolved string
	if filepath.IsAbs(p) {
		resolved = filepath.Clean(p)
	} else {
		resolved = filepath.Join(workspaceDir, p)
	}
	if !contains(workspaceDir, resolved) {
		return "", fmt.Errorf("path %q escapes the workspace", p)
	}
	return resolved, nil
}

func contains(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
