package background

import (
	"context"
	"testing"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

func TestHeartbeatDeliversNonSentinelResponse(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "three jobs need attention")

	ws := rig.worker.Workspace
	if _, err := ws.PutDocument(ctx, "u1", heartbeatDocPath, "check job queue depth", workspace.DocumentOptions{}); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	delivered := make(chan channel.OutgoingResponse, 1)
	rig.worker.Channels.Register(ctx, &captureChannel{
		name: "capture",
		respond: func(resp channel.OutgoingResponse) {
			delivered <- resp
		},
	})

	hb := NewHeartbeat(rig.worker, rig.sessions, rig.store, ws, discardLogger(), "u1", time.Hour)
	hb.beat(ctx)

	select {
	case resp := <-delivered:
		if resp.Content != "three jobs need attention" {
			t.Fatalf("unexpected delivered content: %q", resp.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast delivery for a non-sentinel heartbeat response")
	}
}

func TestHeartbeatElidesSentinelResponse(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, heartbeatNothingToReport)

	ws := rig.worker.Workspace
	if _, err := ws.PutDocument(ctx, "u1", heartbeatDocPath, "check job queue depth", workspace.DocumentOptions{}); err != nil {
		t.Fatalf("PutDocument: %v", err)
	}

	delivered := make(chan channel.OutgoingResponse, 1)
	rig.worker.Channels.Register(ctx, &captureChannel{
		name: "capture",
		respond: func(resp channel.OutgoingResponse) {
			delivered <- resp
		},
	})

	hb := NewHeartbeat(rig.worker, rig.sessions, rig.store, ws, discardLogger(), "u1", time.Hour)
	hb.beat(ctx)

	select {
	case resp := <-delivered:
		t.Fatalf("expected no delivery for the sentinel response, got %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatSkipsWithoutChecklist(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, "should not run")

	hb := NewHeartbeat(rig.worker, rig.sessions, rig.store, rig.worker.Workspace, discardLogger(), "u1", time.Hour)
	hb.beat(ctx) // no /HEARTBEAT.md document exists; must return without error or panic
}

// captureChannel is a minimal channel.Channel whose Broadcast/SendStatus
// reach a test-controlled hook, letting tests observe heartbeat delivery
// without a real transport.
type captureChannel struct {
	name    string
	respond func(channel.OutgoingResponse)
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Start(ctx context.Context) (<-chan channel.IncomingMessage, error) {
	return make(chan channel.IncomingMessage), nil
}

func (c *captureChannel) Respond(ctx context.Context, msg *channel.IncomingMessage, resp channel.OutgoingResponse) error {
	c.respond(resp)
	return nil
}

func (c *captureChannel) SendStatus(ctx context.Context, msg *channel.IncomingMessage, status channel.StatusUpdate) error {
	return nil
}

func (c *captureChannel) Broadcast(ctx context.Context, userID string, resp channel.OutgoingResponse) error {
	c.respond(resp)
	return nil
}

func (c *captureChannel) HealthCheck(ctx context.Context) error { return nil }

func (c *captureChannel) Shutdown(ctx context.Context) error { return nil }
