package background

import (
	"context"
	"testing"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/scheduler"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

func TestRoutineEngineCronFiresWhenDue(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "all clear")

	r := &models.Routine{
		ID:           models.NewID(),
		UserID:       "u1",
		Name:         "nightly check",
		TriggerKind:  models.TriggerCron,
		CronExpr:     "* * * * *",
		SystemPrompt: "run the nightly check",
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := rig.store.CreateRoutine(ctx, r); err != nil {
		t.Fatalf("CreateRoutine: %v", err)
	}

	sched := scheduler.New(2)
	engine := NewRoutineEngine(rig.store, sched, rig.worker, rig.sessions, discardLogger(), time.Minute)
	engine.pollCron(ctx)

	waitForCondition(t, func() bool {
		runs, err := rig.store.ListRoutineRuns(ctx, r.ID, 10)
		return err == nil && len(runs) == 1
	})

	got, err := rig.store.GetRoutine(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRoutine: %v", err)
	}
	if got.RunCount != 1 {
		t.Fatalf("expected RunCount=1, got %d", got.RunCount)
	}
	if got.LastFiredAt.IsZero() {
		t.Fatal("expected LastFiredAt to be set")
	}
}

func TestRoutineEngineRegexMatchFires(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "done")

	r := &models.Routine{
		ID:           models.NewID(),
		UserID:       "u1",
		Name:         "deploy watcher",
		TriggerKind:  models.TriggerRegex,
		RegexPattern: `(?i)deploy\s+prod`,
		SystemPrompt: "summarize the deploy",
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := rig.store.CreateRoutine(ctx, r); err != nil {
		t.Fatalf("CreateRoutine: %v", err)
	}

	sched := scheduler.New(2)
	engine := NewRoutineEngine(rig.store, sched, rig.worker, rig.sessions, discardLogger(), time.Minute)

	engine.MatchEvent(ctx, channel.IncomingMessage{UserID: "u1", Content: "please deploy prod now"})

	waitForCondition(t, func() bool {
		runs, err := rig.store.ListRoutineRuns(ctx, r.ID, 10)
		return err == nil && len(runs) == 1
	})
}

func TestRoutineEngineRegexNoMatchDoesNotFire(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "done")

	r := &models.Routine{
		ID:           models.NewID(),
		UserID:       "u1",
		Name:         "deploy watcher",
		TriggerKind:  models.TriggerRegex,
		RegexPattern: `(?i)deploy\s+prod`,
		SystemPrompt: "summarize the deploy",
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := rig.store.CreateRoutine(ctx, r); err != nil {
		t.Fatalf("CreateRoutine: %v", err)
	}

	sched := scheduler.New(2)
	engine := NewRoutineEngine(rig.store, sched, rig.worker, rig.sessions, discardLogger(), time.Minute)

	engine.MatchEvent(ctx, channel.IncomingMessage{UserID: "u1", Content: "unrelated chatter"})

	runs, err := rig.store.ListRoutineRuns(ctx, r.ID, 10)
	if err != nil {
		t.Fatalf("ListRoutineRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no firing on a non-matching message, got %d runs", len(runs))
	}
}

func TestRoutineEngineCooldownSuppressesRefire(t *testing.T) {
	r := &models.Routine{
		ID:          models.NewID(),
		Cooldown:    time.Hour,
		LastFiredAt: time.Now().Add(-time.Minute),
	}
	e := &RoutineEngine{}
	if e.cooldownElapsed(r, time.Now()) {
		t.Fatal("expected cooldown to still be active one minute after a one-hour-cooldown firing")
	}

	r.LastFiredAt = time.Now().Add(-2 * time.Hour)
	if !e.cooldownElapsed(r, time.Now()) {
		t.Fatal("expected cooldown to have elapsed two hours after a one-hour-cooldown firing")
	}
}

// waitForCondition polls cond until it's true or a short deadline passes,
// bridging the scheduler's async job dispatch without a fixed sleep.
func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
