package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeTool struct {
	BaseTool
	calls int
}

func (f *fakeTool) Execute(ctx context.Context, jobCtx JobContext, params json.RawMessage) (*Output, error) {
	f.calls++
	return &Output{Content: "ok"}, nil
}

func newFakeTool(name string) *fakeTool {
	return &fakeTool{BaseTool: BaseTool{ToolName: name, ToolDomain: DomainOrchestrator}}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.BeginPhase(PhaseOrchestratorSafe)
	if err := reg.Register(newFakeTool("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := reg.Get("echo")
	if !ok || got.Name() != "echo" {
		t.Fatalf("expected to find echo tool, got %v %v", got, ok)
	}
}

func TestRegistryRejectsReservedNameFromLaterPhase(t *testing.T) {
	reg := NewRegistry()
	reg.BeginPhase(PhaseOrchestratorSafe)
	if err := reg.Register(newFakeTool("shell")); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg.BeginPhase(PhaseDeveloper)
	err := reg.Register(newFakeTool("shell"))
	if err == nil {
		t.Fatal("expected error shadowing a reserved name from a later phase")
	}
	if _, ok := err.(*ErrReservedName); !ok {
		t.Fatalf("expected *ErrReservedName, got %T", err)
	}
}

func TestRegistryAllowsReRegistrationWithinSamePhase(t *testing.T) {
	reg := NewRegistry()
	reg.BeginPhase(PhaseOrchestratorSafe)
	if err := reg.Register(newFakeTool("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(newFakeTool("echo")); err != nil {
		t.Fatalf("expected re-registration within the same phase to succeed, got %v", err)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()
	out, err := reg.Execute(context.Background(), JobContext{}, "nope", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected an error Output for an unknown tool")
	}
}

func TestRegistryExecuteRunsTool(t *testing.T) {
	reg := NewRegistry()
	reg.BeginPhase(PhaseOrchestratorSafe)
	tool := newFakeTool("echo")
	if err := reg.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := reg.Execute(context.Background(), JobContext{}, "echo", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.IsError || out.Content != "ok" {
		t.Fatalf("unexpected output: %+v", out)
	}
	if tool.calls != 1 {
		t.Fatalf("expected tool to be invoked once, got %d", tool.calls)
	}
}

func TestRegistryExecuteRejectsOversizedParams(t *testing.T) {
	reg := NewRegistry()
	reg.BeginPhase(PhaseOrchestratorSafe)
	if err := reg.Register(newFakeTool("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	oversized := make(json.RawMessage, MaxParamsSize+1)
	out, err := reg.Execute(context.Background(), JobContext{}, "echo", oversized)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.IsError {
		t.Fatal("expected oversized params to be rejected")
	}
}

func TestExecutionTimeoutDefault(t *testing.T) {
	tool := newFakeTool("echo")
	if tool.ExecutionTimeout() != DefaultExecutionTimeout {
		t.Fatalf("expected default timeout %v, got %v", DefaultExecutionTimeout, tool.ExecutionTimeout())
	}
	tool.Timeout = 5 * time.Second
	if tool.ExecutionTimeout() != 5*time.Second {
		t.Fatalf("expected overridden timeout, got %v", tool.ExecutionTimeout())
	}
}
