package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestReadWriteRoundTrip(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)
	read := NewReadFileTool(ws, true)
	ctx := context.Background()

	res := write.Execute(ctx, map[string]any{"path": "notes/a.txt", "content": "hello"})
	if res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}
	res = read.Execute(ctx, map[string]any{"path": "notes/a.txt"})
	if res.IsError || res.ForLLM != "hello" {
		t.Errorf("read: %+v", res)
	}
}

func TestWorkspaceRestriction(t *testing.T) {
	ws := t.TempDir()
	read := NewReadFileTool(ws, true)
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../escape"} {
		res := read.Execute(ctx, map[string]any{"path": path})
		if !res.IsError || !strings.Contains(res.ForLLM, "outside the workspace") {
			t.Errorf("path %q: %+v", path, res)
		}
	}
}

func TestUnrestrictedAbsolutePath(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "free.txt")
	os.WriteFile(outside, []byte("free"), 0o644)

	read := NewReadFileTool(t.TempDir(), false)
	res := read.Execute(context.Background(), map[string]any{"path": outside})
	if res.IsError || res.ForLLM != "free" {
		t.Errorf("unrestricted read: %+v", res)
	}
}

func TestListFilesNewestFirst(t *testing.T) {
	ws := t.TempDir()
	old := filepath.Join(ws, "old.txt")
	os.WriteFile(old, []byte("1"), 0o644)
	past := time.Now().Add(-time.Hour)
	os.Chtimes(old, past, past)
	os.WriteFile(filepath.Join(ws, "new.txt"), []byte("2"), 0o644)

	list := NewListFilesTool(ws, true)
	res := list.Execute(context.Background(), map[string]any{})
	if res.IsError {
		t.Fatalf("list: %s", res.ForLLM)
	}
	lines := strings.Split(res.ForLLM, "\n")
	if lines[0] != "new.txt" {
		t.Errorf("order = %v", lines)
	}
}

func TestRegistryIdempotence(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r, t.TempDir(), true)

	if !r.IsIdempotent("read_file") {
		t.Error("read_file should be idempotent")
	}
	if !r.IsIdempotent("list_files") {
		t.Error("list_files should be idempotent")
	}
	if r.IsIdempotent("write_file") {
		t.Error("write_file must not be idempotent")
	}

	defs := r.ProviderDefs()
	if len(defs) != 3 {
		t.Fatalf("defs = %d", len(defs))
	}
	for _, d := range defs {
		if d.Type != "function" || d.Function.Parameters == nil {
			t.Errorf("bad def: %+v", d)
		}
	}
}
