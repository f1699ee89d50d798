package toolcall

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/workspace/agent-host/internal/stream"
	"github.com/workspace/agent-host/internal/workspace"
)

func (r *Router) readFile(dir string, call *stream.ToolEvent) ToolResult {
	if call.Path == "" {
		return failure("read_file call %s is missing a path", call.CallID)
	}
	path, err := workspace.ResolvePath(dir, call.Path)
	if err != nil {
		return failure("%v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure("failed to read %s: %v", call.Path, err)
	}
	content := string(data)

	// An explicit line range slices the file one-indexed, inclusive.
	if call.StartLine != nil || call.EndLine != nil {
		lines := strings.Split(content, "\n")
		start, end := 1, len(lines)
		if call.StartLine != nil && *call.StartLine > 0 {
			start = *call.StartLine
		}
		if call.EndLine != nil && *call.EndLine > 0 && *call.EndLine < end {
			end = *call.EndLine
		}
		if start > len(lines) {
			return failure("start line %d is past the end of %s (%d lines)", start, call.Path, len(lines))
		}
		if end < start {
			end = start
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	return success(content)
}

func (r *Router) writeFile(dir string, call *stream.ToolEvent) ToolResult {
	if call.Path == "" {
		return failure("write call %s is missing a path", call.CallID)
	}
	path, err := workspace.ResolvePath(dir, call.Path)
	if err != nil {
		return failure("%v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure("failed to create parent directory for %s: %v", call.Path, err)
	}
	if err := os.WriteFile(path, []byte(call.Content), 0o644); err != nil {
		return failure("failed to write %s: %v", call.Path, err)
	}
	return success(fmt.Sprintf("wrote %d bytes to %s", len(call.Content), call.Path))
}

func (r *Router) deleteFile(dir string, call *stream.ToolEvent) ToolResult {
	if call.Path == "" {
		return failure("delete_file call %s is missing a path", call.CallID)
	}
	path, err := workspace.ResolvePath(dir, call.Path)
	if err != nil {
		return failure("%v", err)
	}
	if err := os.Remove(path); err != nil {
		return failure("failed to delete %s: %v", call.Path, err)
	}
	return success(fmt.Sprintf("deleted %s", call.Path))
}

func (r *Router) listDir(dir string, call *stream.ToolEvent) ToolResult {
	target := call.Path
	if target == "" {
		target = "."
	}
	path, err := workspace.ResolvePath(dir, target)
	if err != nil {
		return failure("%v", err)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failure("failed to list %s: %v", target, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return ToolResult{Success: true, Output: strings.Join(names, "\n"), Payload: names}
}
