package toolcall

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/workspace/agent-host/internal/stream"
)

func seedFile(t *testing.T, r *Router, workspaceID, rel, content string) string {
	t.Helper()
	dir, err := r.workspaces.Ensure(workspaceID)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestReadFile(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, Config{})
	seedFile(t, r, "ws", "a.txt", "line1\nline2\nline3\n")

	res := r.Execute(context.Background(), "ws", &stream.ToolEvent{
		CallID: "c1", Name: "read_file", Path: "a.txt",
	}, Hooks{})
	if !res.Success {
		t.Fatalf("read failed: %+v", res)
	}
	if res.Output != "line1\nline2\nline3\n" {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestReadFileLineRange(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, Config{})
	seedFile(t, r, "ws", "a.txt", "one\ntwo\nthree\nfour")

	start, end := 2, 3
	res := r.Execute(context.Background(), "ws", &stream.ToolEvent{
		CallID: "c1", Name: "read_file", Path: "a.txt", StartLine: &start, EndLine: &end,
	}, Hooks{})
	if !res.Success {
		t.Fatalf("read failed: %+v", res)
	}
	if res.Output != "two\nthree" {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestReadFileMissing(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, Config{})
	res := r.Execute(context.Background(), "ws", &stream.ToolEvent{
		CallID: "c1", Name: "read_file", Path: "nope.txt",
	}, Hooks{})
	if res.Success {
		t.Fatal("reading a missing file must fail")
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, Config{})
	res := r.Execute(context.Background(), "ws", &stream.ToolEvent{
		CallID: "c1", Name: "write", Path: "deep/nested/b.txt", Content: "hello",
	}, Hooks{})
	if !res.Success {
		t.Fatalf("write failed: %+v", res)
	}

	dir, _ := r.workspaces.Dir("ws")
	data, err := os.ReadFile(filepath.Join(dir, "deep", "nested", "b.txt"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("file content = %q, err = %v", data, err)
	}
}

func TestPathEscapeRejectedOnEveryFileOp(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, Config{})
	for _, name := range []string{"read_file", "write", "delete_file", "list_dir"} {
		res := r.Execute(context.Background(), "ws", &stream.ToolEvent{
			CallID: "c1", Name: name, Path: "../../etc/passwd", Content: "x",
		}, Hooks{})
		if res.Success {
			t.Errorf("%s with a traversal path must fail", name)
		}
		if !strings.Contains(res.Error, "escapes") {
			t.Errorf("%s error = %q, want containment message", name, res.Error)
		}
	}
}

func TestDeleteFile(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, Config{})
	path := seedFile(t, r, "ws", "gone.txt", "x")

	res := r.Execute(context.Background(), "ws", &stream.ToolEvent{
		CallID: "c1", Name: "delete_file", Path: "gone.txt",
	}, Hooks{})
	if !res.Success {
		t.Fatalf("delete failed: %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file still exists")
	}
}

func TestListDir(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, Config{})
	seedFile(t, r, "ws", "a.txt", "x")
	seedFile(t, r, "ws", "sub/b.txt", "y")

	res := r.Execute(context.Background(), "ws", &stream.ToolEvent{
		CallID: "c1", Name: "list_dir",
	}, Hooks{})
	if !res.Success {
		t.Fatalf("list failed: %+v", res)
	}
	if !strings.Contains(res.Output, "a.txt") || !strings.Contains(res.Output, "sub/") {
		t.Fatalf("output = %q", res.Output)
	}
}
