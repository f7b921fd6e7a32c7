package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

func TestParseSubmission(t *testing.T) {
	cases := []struct {
		raw     string
		waiting bool
		want    SubmissionKind
	}{
		{"hello there", false, SubmissionUserInput},
		{"/undo", false, SubmissionUndo},
		{"/redo", false, SubmissionRedo},
		{"/stop", false, SubmissionInterrupt},
		{"/compact", false, SubmissionCompact},
		{"/quit", false, SubmissionQuit},
		{"/new", false, SubmissionNewThread},
		{"/switch general", false, SubmissionSwitchThread},
		{"/help", false, SubmissionSystemCommand},
		{"/model gpt-4o", false, SubmissionSystemCommand},
		{"/ping", false, SubmissionSystemCommand},
		// Approval text is only special while waiting.
		{"yes", true, SubmissionApprovalResponse},
		{"always", true, SubmissionApprovalResponse},
		{"no", true, SubmissionApprovalResponse},
		{"yes", false, SubmissionUserInput},
		{"always", false, SubmissionUserInput},
		// While waiting, non-approval text is still ordinary input.
		{"tell me more", true, SubmissionUserInput},
		// Commands still parse while waiting.
		{"/undo", true, SubmissionUndo},
	}
	for _, tc := range cases {
		got := ParseSubmission(tc.raw, tc.waiting)
		if got.Kind != tc.want {
			t.Errorf("ParseSubmission(%q, waiting=%v) = %s, want %s", tc.raw, tc.waiting, got.Kind, tc.want)
		}
	}
}

func TestParseSubmissionArg(t *testing.T) {
	got := ParseSubmission("/switch  general ", false)
	if got.Arg != "general" {
		t.Fatalf("Arg = %q, want %q", got.Arg, "general")
	}
	got = ParseSubmission("/model claude", false)
	if got.Arg != "claude" {
		t.Fatalf("Arg = %q, want %q", got.Arg, "claude")
	}
}

func TestResolveCreatesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryPort())

	var wg sync.WaitGroup
	threads := make([]string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, thread, err := m.Resolve(ctx, "u1", "terminal", "t-1")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			threads[i] = thread.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(threads); i++ {
		if threads[i] != threads[0] {
			t.Fatalf("concurrent first messages created distinct threads: %s vs %s", threads[0], threads[i])
		}
	}
}

func TestResolveDistinctRoutesDistinctThreads(t *testing.T) {
	ctx := context.Background()
	m := NewManager(storage.NewMemoryPort())

	_, t1, err := m.Resolve(ctx, "u1", "terminal", "a")
	if err != nil {
		t.Fatal(err)
	}
	_, t2, err := m.Resolve(ctx, "u1", "terminal", "b")
	if err != nil {
		t.Fatal(err)
	}
	if t1.ID == t2.ID {
		t.Fatal("distinct external threads mapped to the same internal thread")
	}
}

func TestThreadTransitions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryPort()
	m := NewManager(store)
	_, thread, err := m.Resolve(ctx, "u1", "terminal", "x")
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		next models.ThreadState
		ok   bool
	}{
		{models.ThreadProcessing, true},
		{models.ThreadWaitingApproval, true},
		{models.ThreadProcessing, true}, // approve resumes
		{models.ThreadIdle, true},
		{models.ThreadWaitingApproval, false}, // Idle cannot wait
	}
	for i, s := range steps {
		err := m.TransitionThread(ctx, thread, s.next)
		if s.ok && err != nil {
			t.Fatalf("step %d: transition to %s failed: %v", i, s.next, err)
		}
		if !s.ok && err == nil {
			t.Fatalf("step %d: transition to %s accepted, want rejection", i, s.next)
		}
	}

	// Interrupt: any state -> Stopped, then back to Idle for the next turn.
	if err := m.TransitionThread(ctx, thread, models.ThreadStopped); err != nil {
		t.Fatalf("to Stopped: %v", err)
	}
	if err := m.TransitionThread(ctx, thread, models.ThreadIdle); err != nil {
		t.Fatalf("Stopped -> Idle: %v", err)
	}
}

func TestUndoRedo(t *testing.T) {
	u := NewUndoManager()
	t1 := &models.Turn{TurnNumber: 0}
	t2 := &models.Turn{TurnNumber: 1}
	u.Push(t1)
	u.Push(t2)

	if got := u.Undo(); got != t2 {
		t.Fatalf("Undo = %v, want turn 1", got)
	}
	if got := u.Redo(); got != t2 {
		t.Fatalf("Redo = %v, want turn 1", got)
	}
	if got := u.Undo(); got != t2 {
		t.Fatal("second Undo should return turn 1 again")
	}
	if got := u.Undo(); got != t1 {
		t.Fatal("third Undo should return turn 0")
	}
	u.Push(&models.Turn{TurnNumber: 2})
	if got := u.Redo(); got != nil {
		t.Fatal("Push must invalidate the redo stack")
	}
	u.Clear()
	if u.Undo() != nil {
		t.Fatal("Clear must empty the undo stack")
	}
}

func TestCompaction(t *testing.T) {
	budget := ContextBudget{MaxTokens: 100, ThresholdRatio: 0.8, TailTurns: 2}

	var turns []*models.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, &models.Turn{
			TurnNumber: i,
			UserInput:  fmt.Sprintf("question %d %s", i, strings.Repeat("x", 50)),
			Response:   fmt.Sprintf("answer %d %s", i, strings.Repeat("y", 50)),
			State:      models.TurnCompleted,
		})
	}
	if !budget.NeedsCompaction(turns) {
		t.Fatal("10 long turns should exceed an 80-token threshold")
	}

	identity := "--- /IDENTITY.md ---\nYou are IronClaw.\n"
	compacted := budget.Compact(turns, identity)
	if len(compacted) != 3 {
		t.Fatalf("compacted length = %d, want summary + 2 tail", len(compacted))
	}
	if compacted[0].UserInput != "[compacted]" {
		t.Fatalf("first turn is not the summary: %q", compacted[0].UserInput)
	}
	if !strings.Contains(compacted[0].Response, identity) {
		t.Fatal("identity content must survive compaction verbatim")
	}
	if compacted[1] != turns[8] || compacted[2] != turns[9] {
		t.Fatal("tail turns must be retained verbatim")
	}
}

func TestCompactionUnderTailNoChange(t *testing.T) {
	budget := ContextBudget{MaxTokens: 100, ThresholdRatio: 0.8, TailTurns: 4}
	turns := []*models.Turn{{TurnNumber: 0}, {TurnNumber: 1}}
	got := budget.Compact(turns, "")
	if len(got) != 2 {
		t.Fatalf("short history was compacted: %d turns", len(got))
	}
}
