package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/policy"
)

func TestEchoToolEchoesText(t *testing.T) {
	tool := NewEchoTool()
	params, _ := json.Marshal(EchoParams{Text: "hello"})
	out, err := tool.Execute(context.Background(), tools.JobContext{}, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Content != "hello" {
		t.Fatalf("expected 'hello', got %q", out.Content)
	}
}

func TestJSONToolFormatsAndValidates(t *testing.T) {
	tool := NewJSONTool()
	params, _ := json.Marshal(JSONParams{Operation: "validate", Document: json.RawMessage(`{"a":1}`)})
	out, err := tool.Execute(context.Background(), tools.JobContext{}, params)
	if err != nil || out.IsError {
		t.Fatalf("expected valid document to validate, got %+v err=%v", out, err)
	}

	badParams, _ := json.Marshal(JSONParams{Operation: "validate", Document: json.RawMessage(`{not json`)})
	out, err = tool.Execute(context.Background(), tools.JobContext{}, badParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected malformed JSON to be rejected")
	}
}

func TestShellToolRejectsBinaryOutsideAllowlist(t *testing.T) {
	tool := NewShellTool(nil, t.TempDir())
	params, _ := json.Marshal(ShellParams{Command: "rm", Args: []string{"-rf", "/"}})
	out, err := tool.Execute(context.Background(), tools.JobContext{}, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected rm to be rejected by the default allowlist")
	}
}

func TestShellToolRunsAllowlistedBinary(t *testing.T) {
	tool := NewShellTool(nil, t.TempDir())
	params, _ := json.Marshal(ShellParams{Command: "echo", Args: []string{"hi"}})
	out, err := tool.Execute(context.Background(), tools.JobContext{}, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError {
		t.Fatalf("expected echo to succeed, got %+v", out)
	}
}

func TestShellToolRefusesWhenAllowlistEnforcementDisabledUnacknowledged(t *testing.T) {
	allow := policy.NewBinaryAllowlist()
	allow.Enforced = false
	tool := NewShellTool(allow, t.TempDir())
	params, _ := json.Marshal(ShellParams{Command: "echo"})
	out, err := tool.Execute(context.Background(), tools.JobContext{}, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected execution to fail when enforcement is disabled without acknowledgement")
	}
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeTool := NewFileWriteTool(dir)
	writeParams, _ := json.Marshal(FileWriteParams{Path: "note.txt", Content: "hello workspace"})
	out, err := writeTool.Execute(context.Background(), tools.JobContext{}, writeParams)
	if err != nil || out.IsError {
		t.Fatalf("write failed: %+v err=%v", out, err)
	}

	readTool := NewFileReadTool(dir)
	readParams, _ := json.Marshal(FileReadParams{Path: "note.txt"})
	out, err = readTool.Execute(context.Background(), tools.JobContext{}, readParams)
	if err != nil || out.IsError {
		t.Fatalf("read failed: %+v err=%v", out, err)
	}
	if out.Content != "hello workspace" {
		t.Fatalf("expected round-tripped content, got %q", out.Content)
	}
}

func TestFileReadRejectsPathEscapingWorkspace(t *testing.T) {
	dir := t.TempDir()
	tool := NewFileReadTool(dir)
	params, _ := json.Marshal(FileReadParams{Path: "../../etc/passwd"})
	out, err := tool.Execute(context.Background(), tools.JobContext{}, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected a path escaping the workspace to be rejected")
	}
}

func TestFilePatchReplacesFirstOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	if err := os.WriteFile(path, []byte("foo bar foo"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewFilePatchTool(dir)
	params, _ := json.Marshal(FilePatchParams{Path: "file.txt", Find: "foo", Replace: "baz"})
	out, err := tool.Execute(context.Background(), tools.JobContext{}, params)
	if err != nil || out.IsError {
		t.Fatalf("patch failed: %+v err=%v", out, err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "baz bar foo" {
		t.Fatalf("expected only the first occurrence to be replaced, got %q", data)
	}
}

func TestFileListListsEntries(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	tool := NewFileListTool(dir)
	out, err := tool.Execute(context.Background(), tools.JobContext{}, json.RawMessage(`{}`))
	if err != nil || out.IsError {
		t.Fatalf("list failed: %+v err=%v", out, err)
	}
	if out.Content != "a.txt\nsub/" {
		t.Fatalf("unexpected listing: %q", out.Content)
	}
}
