package background

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/scheduler"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// heartbeatChannelName routes heartbeat turns to their own thread,
// distinct from a user's real conversation and from routine firings.
const heartbeatChannelName = "heartbeat"

// heartbeatDocPath is the well-known checklist document read each tick.
const heartbeatDocPath = "/HEARTBEAT.md"

// heartbeatNothingToReport is the sentinel response that elides delivery.
const heartbeatNothingToReport = "NOTHING_TO_REPORT"

// DefaultHeartbeatInterval matches the HEARTBEAT_INTERVAL_SECS default.
const DefaultHeartbeatInterval = 30 * time.Minute

// Heartbeat runs a single turn in a dedicated thread on a configurable
// interval, seeded from the /HEARTBEAT.md checklist document, eliding
// delivery when the model reports nothing actionable. It reuses
// internal/scheduler.Worker.RunTurn rather than a separate execution
// path (a heartbeat turn is, mechanically, an ordinary turn whose input
// happens to be machine-generated).
type Heartbeat struct {
	Worker    *scheduler.Worker
	Sessions  *session.Manager
	Store     storage.ConversationStore
	Workspace *workspace.Manager
	Logger    *slog.Logger

	UserID   string
	Interval time.Duration
}

// NewHeartbeat constructs a Heartbeat task for userID.
func NewHeartbeat(worker *scheduler.Worker, sessions *session.Manager, store storage.ConversationStore, ws *workspace.Manager, logger *slog.Logger, userID string, interval time.Duration) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeat{
		Worker:    worker,
		Sessions:  sessions,
		Store:     store,
		Workspace: ws,
		Logger:    logger.With("task", "heartbeat"),
		UserID:    userID,
		Interval:  interval,
	}
}

func (h *Heartbeat) Name() string { return "heartbeat" }

func (h *Heartbeat) Run(ctx context.Context) {
	runTicker(ctx, h.Interval, h.beat)
}

func (h *Heartbeat) beat(ctx context.Context) {
	doc, err := h.Workspace.GetDocument(ctx, h.UserID, heartbeatDocPath)
	if err != nil || doc == nil {
		// No checklist document means nothing is configured to check;
		// this is the expected steady state for most installs.
		return
	}

	turn, err := runSystemTurn(ctx, h.Worker, h.Sessions, h.Store, h.UserID, heartbeatChannelName, doc.Content)
	if err != nil {
		h.Logger.Warn("heartbeat turn failed", "error", err)
		return
	}
	if strings.TrimSpace(turn.Response) == heartbeatNothingToReport {
		return
	}

	if h.Worker.Channels != nil {
		for _, broadcastErr := range h.Worker.Channels.Broadcast(ctx, h.UserID, channel.OutgoingResponse{Content: turn.Response, ThreadID: turn.ThreadID}) {
			h.Logger.Warn("heartbeat broadcast failed", "error", broadcastErr)
		}
	}
	h.Logger.Info("heartbeat turn delivered", "thread_id", turn.ThreadID)
}
