package storage

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/danielsimonjr/ironclaw/pkg/models"
)

func TestSettingsBulkRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPort()

	m := map[string]any{
		"safety.max_output_length": float64(4096),
		"heartbeat.enabled":        true,
		"llm.backend":              "anthropic",
	}
	if err := p.PutSettingsBulk(ctx, "u1", m); err != nil {
		t.Fatal(err)
	}
	got, err := p.ListSettings(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("round trip mismatch: %v != %v", got, m)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPort()

	sess := models.NewSession("u1", "t1")
	sess.AutoApprove("shell")
	if err := p.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, err := p.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" || !got.IsAutoApproved("shell") {
		t.Fatalf("loaded session differs: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	p := NewMemoryPort()
	_, err := p.GetSession(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestTurnNumbersUniquePerThread(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPort()

	mk := func(n int) *models.Turn {
		return &models.Turn{ID: models.NewID(), ThreadID: "th1", TurnNumber: n, UserInput: "x", State: models.TurnPending, StartedAt: time.Now()}
	}
	if err := p.CreateTurn(ctx, mk(0)); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateTurn(ctx, mk(1)); err != nil {
		t.Fatal(err)
	}
	if err := p.CreateTurn(ctx, mk(1)); err == nil {
		t.Fatal("duplicate (thread_id, turn_number) accepted")
	}

	turns, err := p.ListTurns(ctx, "th1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, turn := range turns {
		if turn.TurnNumber != i {
			t.Fatalf("turn %d has number %d", i, turn.TurnNumber)
		}
	}
}

func TestOwnershipChecks(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPort()

	job := &models.Job{ID: models.NewID(), UserID: "u1", State: models.JobPending, Mode: models.JobModeLocal, CreatedAt: time.Now(), LastActivityAt: time.Now()}
	if err := p.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	owns, err := p.OwnsJob(ctx, "u1", job.ID)
	if err != nil || !owns {
		t.Fatalf("OwnsJob(u1) = %v, %v", owns, err)
	}
	owns, err = p.OwnsJob(ctx, "intruder", job.ID)
	if err != nil || owns {
		t.Fatalf("OwnsJob(intruder) = %v, %v; ownership must not leak", owns, err)
	}
}

func TestConnectionConstraints(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPort()

	conn := &models.MemoryConnection{ID: models.NewID(), SourceID: "a", TargetID: "b", Type: models.ConnectionUpdates, CreatedAt: time.Now()}
	if err := p.CreateConnection(ctx, conn); err != nil {
		t.Fatal(err)
	}

	self := &models.MemoryConnection{ID: models.NewID(), SourceID: "a", TargetID: "a", Type: models.ConnectionUpdates}
	if err := p.CreateConnection(ctx, self); err == nil {
		t.Fatal("self-loop accepted")
	}

	dup := &models.MemoryConnection{ID: models.NewID(), SourceID: "a", TargetID: "b", Type: models.ConnectionUpdates}
	if err := p.CreateConnection(ctx, dup); err == nil {
		t.Fatal("duplicate (source, target, type) accepted")
	}

	// Same pair under a different type is a distinct edge.
	other := &models.MemoryConnection{ID: models.NewID(), SourceID: "a", TargetID: "b", Type: models.ConnectionExtends}
	if err := p.CreateConnection(ctx, other); err != nil {
		t.Fatalf("distinct type rejected: %v", err)
	}
}

func TestReplaceChunksLeavesNoOrphans(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPort()

	first := []*models.MemoryChunk{
		{ID: "c1", DocumentID: "d1", ChunkIndex: 0, Content: "one"},
		{ID: "c2", DocumentID: "d1", ChunkIndex: 1, Content: "two"},
	}
	if err := p.ReplaceChunks(ctx, "d1", first); err != nil {
		t.Fatal(err)
	}
	second := []*models.MemoryChunk{
		{ID: "c3", DocumentID: "d1", ChunkIndex: 0, Content: "three"},
	}
	if err := p.ReplaceChunks(ctx, "d1", second); err != nil {
		t.Fatal(err)
	}
	got, err := p.ListChunks(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "c3" {
		t.Fatalf("chunks after replace = %+v, want exactly c3", got)
	}
}

func TestJobTerminalStatesRejectTransitions(t *testing.T) {
	for _, terminal := range []models.JobState{models.JobAccepted, models.JobFailed, models.JobCancelled} {
		for _, next := range []models.JobState{models.JobPending, models.JobInProgress, models.JobCompleted} {
			if terminal.CanTransition(next) {
				t.Errorf("%s -> %s accepted, terminal states are final", terminal, next)
			}
		}
	}
	if !models.JobStuck.CanTransition(models.JobInProgress) {
		t.Error("Stuck -> InProgress (self-repair) must be legal")
	}
	if !models.JobCompleted.CanTransition(models.JobSubmitted) {
		t.Error("Completed -> Submitted must be legal")
	}
	if models.JobPending.CanTransition(models.JobCompleted) {
		t.Error("Pending -> Completed skips InProgress")
	}
}

func TestToolFailureBreaker(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPort()

	for i := 0; i < 3; i++ {
		if _, err := p.RecordToolFailure(ctx, "shell", "exit 1"); err != nil {
			t.Fatal(err)
		}
	}
	failing, err := p.ListFailingTools(ctx, 3)
	if err != nil || len(failing) != 1 {
		t.Fatalf("failing tools = %v, %v", failing, err)
	}
	broke, err := p.MarkBroken(ctx, "shell", 3)
	if err != nil || !broke {
		t.Fatalf("MarkBroken = %v, %v", broke, err)
	}

	// A success resets the streak and recovers the tool.
	if err := p.RecordToolSuccess(ctx, "shell"); err != nil {
		t.Fatal(err)
	}
	tf, err := p.GetToolFailure(ctx, "shell")
	if err != nil {
		t.Fatal(err)
	}
	if tf.ConsecutiveFailures != 0 || tf.Broken {
		t.Fatalf("after success: %+v, want reset and not broken", tf)
	}
}
