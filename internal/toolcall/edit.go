package toolcall

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/workspace/agent-host/internal/stream"
	"github.com/workspace/agent-host/internal/workspace"
)

func (r *Router) editFile(ctx context.Context, workspaceID, dir string, call *stream.ToolEvent) ToolResult {
	if call.Path == "" {
		return failure("edit_file call %s is missing a target file", call.CallID)
	}
	if call.Content == "" && call.Instructions == "" {
		return failure("edit_file call %s carries neither an edit sketch nor instructions", call.CallID)
	}

	result := r.applyEdit(ctx, dir, call.Path, call.Instructions, call.Content)

	// Record the slot even on failure so a reapply can retry the same
	// edit through a different collaborator.
	r.recordEdit(workspaceID, LastEdit{
		TargetFile:   call.Path,
		Instructions: call.Instructions,
		EditSketch:   call.Content,
	})
	return result
}

func (r *Router) reapply(ctx context.Context, workspaceID, dir string) ToolResult {
	last, ok := r.LastEditFor(workspaceID)
	if !ok {
		return failure("nothing to reapply: no edit has been recorded for this workspace")
	}
	return r.applyEdit(ctx, dir, last.TargetFile, last.Instructions, last.EditSketch)
}

func (r *Router) applyEdit(ctx context.Context, dir, targetFile, instructions, sketch string) ToolResult {
	path, err := workspace.ResolvePath(dir, targetFile)
	if err != nil {
		return failure("%v", err)
	}

	// A missing target is a file creation, not an error.
	current := ""
	if data, readErr := os.ReadFile(path); readErr == nil {
		current = string(data)
	} else if !os.IsNotExist(readErr) {
		return failure("failed to read %s: %v", targetFile, readErr)
	}

	newContent, err := r.applier.Apply(ctx, current, instructions, sketch)
	if err != nil {
		return failure("edit synthesis failed for %s: %v", targetFile, err)
	}
	newContent = stripArtifacts(newContent)
	if strings.TrimSpace(newContent) == "" {
		return failure("edit synthesis produced empty content for %s", targetFile)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure("failed to create parent directory for %s: %v", targetFile, err)
	}
	if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
		return failure("failed to write %s: %v", targetFile, err)
	}
	return success(fmt.Sprintf("edited %s", targetFile))
}

// stripArtifacts removes formatting the collaborator sometimes wraps the
// file content in: fenced code blocks and stray diff headers.
func stripArtifacts(content string) string {
	lines := strings.Split(content, "\n")

	// Leading fence, with or without a language tag.
	start := 0
	for start < len(lines) && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	if start < len(lines) && strings.HasPrefix(strings.TrimSpace(lines[start]), "```") {
		start++
		// Matching closing fence, searched from the end.
		end := len(lines) - 1
		for end > start && strings.TrimSpace(lines[end]) == "" {
			end--
		}
		if end >= start && strings.TrimSpace(lines[end]) == "```" {
			lines = lines[start:end]
		} else {
			lines = lines[start:]
		}
	}

	filtered := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--- a/") ||
			strings.HasPrefix(trimmed, "+++ b/") ||
			strings.HasPrefix(trimmed, "diff --git ") ||
			strings.HasPrefix(trimmed, "@@ ") && strings.HasSuffix(trimmed, " @@") {
			continue
		}
		filtered = append(filtered, line)
	}
	return strings.Join(filtered, "\n")
}
