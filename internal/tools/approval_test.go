package tools

import (
	"context"
	"encoding/json"
	"testing"
)

func TestGateProceedsWhenApprovalNotRequired(t *testing.T) {
	gate := NewGate(nil)
	tool := newFakeTool("echo")
	res, err := gate.Check(context.Background(), "thread-1", tool, json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Proceed {
		t.Fatal("expected to proceed when the tool does not require approval")
	}
}

func TestGateSuspendsWhenApprovalRequired(t *testing.T) {
	gate := NewGate(nil)
	tool := newFakeTool("shell")
	tool.Approval = true
	res, err := gate.Check(context.Background(), "thread-1", tool, json.RawMessage(`{"cmd":"ls"}`), NewAutoApprovedSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Proceed {
		t.Fatal("expected the gate to suspend a tool that requires approval")
	}
	if res.Request == nil || res.Request.ToolName != "shell" {
		t.Fatalf("expected a pending request for shell, got %+v", res.Request)
	}
}

func TestGateProceedsWhenToolAlreadyAutoApproved(t *testing.T) {
	gate := NewGate(nil)
	tool := newFakeTool("shell")
	tool.Approval = true
	auto := NewAutoApprovedSet()
	auto.Add("shell")
	res, err := gate.Check(context.Background(), "thread-1", tool, json.RawMessage(`{}`), auto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Proceed {
		t.Fatal("expected to proceed once the tool is auto-approved")
	}
}

func TestGateAlwaysDecisionAddsToAutoApprovedSet(t *testing.T) {
	gate := NewGate(nil)
	tool := newFakeTool("shell")
	tool.Approval = true
	auto := NewAutoApprovedSet()

	res, err := gate.Check(context.Background(), "thread-1", tool, json.RawMessage(`{}`), auto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Proceed {
		t.Fatal("expected first call to suspend")
	}

	if _, err := gate.Resolve(context.Background(), res.Request.RequestID, ApprovalAlways, auto); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !auto.Contains("shell") {
		t.Fatal("expected 'always' decision to add the tool to the auto-approved set")
	}

	res2, err := gate.Check(context.Background(), "thread-1", tool, json.RawMessage(`{}`), auto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res2.Proceed {
		t.Fatal("expected a second call to proceed now that the tool is auto-approved")
	}
}

func TestMemoryApprovalStoreRejectsSecondPendingRequestForSameThread(t *testing.T) {
	store := NewMemoryApprovalStore()
	ctx := context.Background()
	first := &ApprovalRequest{RequestID: "r1", ThreadID: "t1", ToolName: "shell", Decision: ApprovalPending}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := &ApprovalRequest{RequestID: "r2", ThreadID: "t1", ToolName: "shell", Decision: ApprovalPending}
	err := store.Create(ctx, second)
	if err == nil {
		t.Fatal("expected a second concurrent pending request on the same thread to be rejected")
	}
}

func TestParseApprovalResponse(t *testing.T) {
	cases := map[string]ApprovalDecision{
		"yes": ApprovalApproved, "approve": ApprovalApproved, "Y": ApprovalApproved,
		"always": ApprovalAlways,
		"no":     ApprovalDenied, "deny": ApprovalDenied,
	}
	for input, want := range cases {
		got, ok := ParseApprovalResponse(input)
		if !ok || got != want {
			t.Errorf("ParseApprovalResponse(%q) = %v, %v; want %v, true", input, got, ok, want)
		}
	}
	if _, ok := ParseApprovalResponse("run ls"); ok {
		t.Fatal("expected ordinary text not to parse as an approval response")
	}
}
