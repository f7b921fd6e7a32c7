package background

import (
	"context"
	"testing"
	"time"
)

func TestSessionPrunerUnloadsIdleSession(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "ok")

	sess, thread, err := rig.sessions.Resolve(ctx, "u1", "terminal", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	sess.LastActiveAt = time.Now().Add(-2 * time.Hour).UTC()
	if err := rig.store.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	pruner := NewSessionPruner(rig.store, rig.sessions, discardLogger(), time.Minute, time.Hour)
	pruner.prune(ctx)

	// The thread row itself is untouched — pruning only drops in-memory
	// routing state, never persisted data.
	persisted, err := rig.store.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread after prune: %v", err)
	}
	if persisted.ID != thread.ID {
		t.Fatalf("expected thread %s to remain in persistence after unload", thread.ID)
	}

	// Re-resolving the same route should succeed by falling back to the
	// store rather than erroring on stale in-memory state.
	if _, _, err := rig.sessions.Resolve(ctx, "u1", "terminal", ""); err != nil {
		t.Fatalf("Resolve after prune: %v", err)
	}
}

func TestSessionPrunerLeavesActiveSessionsAlone(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "ok")

	if _, _, err := rig.sessions.Resolve(ctx, "u1", "terminal", ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	pruner := NewSessionPruner(rig.store, rig.sessions, discardLogger(), time.Minute, time.Hour)
	pruner.prune(ctx)

	idle, err := rig.store.ListIdleSessions(ctx, time.Now().Add(-time.Hour).Unix())
	if err != nil {
		t.Fatalf("ListIdleSessions: %v", err)
	}
	if len(idle) != 0 {
		t.Fatalf("expected a freshly active session to not be idle, got %d", len(idle))
	}
}
