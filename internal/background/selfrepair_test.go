package background

import (
	"context"
	"testing"
	"time"

	"github.com/danielsimonjr/ironclaw/pkg/models"
)

func TestSelfRepairReEntersStuckJob(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "ok")

	job := &models.Job{
		ID:             models.NewID(),
		UserID:         "u1",
		Title:          "long running",
		State:          models.JobInProgress,
		Mode:           models.JobModeLocal,
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().Add(-time.Hour).UTC(),
	}
	if err := rig.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	repair := NewSelfRepair(rig.store, discardLogger(), time.Minute, 10*time.Minute, 5, 5)
	repair.scan(ctx)

	got, err := rig.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != models.JobInProgress {
		t.Fatalf("expected job re-entered InProgress after bounded recovery, got %s", got.State)
	}
	if got.RepairAttempts != 1 {
		t.Fatalf("expected RepairAttempts=1, got %d", got.RepairAttempts)
	}

	events, err := rig.store.ListJobEvents(ctx, job.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListJobEvents: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != "repair_attempt" {
		t.Fatalf("expected a repair_attempt event, got %+v", events)
	}
}

func TestSelfRepairFailsJobAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "ok")

	job := &models.Job{
		ID:             models.NewID(),
		UserID:         "u1",
		Title:          "stuck forever",
		State:          models.JobInProgress,
		Mode:           models.JobModeLocal,
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().Add(-time.Hour).UTC(),
		RepairAttempts: 5,
	}
	if err := rig.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	repair := NewSelfRepair(rig.store, discardLogger(), time.Minute, 10*time.Minute, 5, 5)
	repair.scan(ctx)

	got, err := rig.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != models.JobFailed {
		t.Fatalf("expected job Failed once repair attempts exhausted, got %s", got.State)
	}
	if got.FailureReason == "" {
		t.Fatal("expected a failure reason to be recorded")
	}
}

func TestSelfRepairMarksBrokenTool(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "ok")

	for i := 0; i < 5; i++ {
		if _, err := rig.store.RecordToolFailure(ctx, "shell", "boom"); err != nil {
			t.Fatalf("RecordToolFailure: %v", err)
		}
	}

	repair := NewSelfRepair(rig.store, discardLogger(), time.Minute, time.Hour, 5, 5)
	repair.scan(ctx)

	tf, err := rig.store.GetToolFailure(ctx, "shell")
	if err != nil {
		t.Fatalf("GetToolFailure: %v", err)
	}
	if !tf.Broken {
		t.Fatal("expected tool to be marked broken once the failure streak reached threshold")
	}

	if err := rig.store.RecordToolSuccess(ctx, "shell"); err != nil {
		t.Fatalf("RecordToolSuccess: %v", err)
	}
	tf, err = rig.store.GetToolFailure(ctx, "shell")
	if err != nil {
		t.Fatalf("GetToolFailure: %v", err)
	}
	if tf.Broken || tf.ConsecutiveFailures != 0 {
		t.Fatalf("expected recovery to reset the broken flag and counter, got %+v", tf)
	}
}
