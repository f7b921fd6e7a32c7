package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
)

// SessionPruner removes sessions idle beyond IdleTTL from in-memory
// routing state; the underlying rows and their threads stay in
// persistence.
type SessionPruner struct {
	Store    storage.ConversationStore
	Sessions *session.Manager
	Logger   *slog.Logger

	ScanInterval time.Duration
	IdleTTL      time.Duration
}

// NewSessionPruner constructs a SessionPruner.
func NewSessionPruner(store storage.ConversationStore, sessions *session.Manager, logger *slog.Logger, scanInterval, idleTTL time.Duration) *SessionPruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionPruner{
		Store:        store,
		Sessions:     sessions,
		Logger:       logger.With("task", "session_pruning"),
		ScanInterval: scanInterval,
		IdleTTL:      idleTTL,
	}
}

func (p *SessionPruner) Name() string { return "session_pruning" }

func (p *SessionPruner) Run(ctx context.Context) {
	runTicker(ctx, p.ScanInterval, p.prune)
}

func (p *SessionPruner) prune(ctx context.Context) {
	cutoff := time.Now().Add(-p.IdleTTL).Unix()
	idle, err := p.Store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		p.Logger.Warn("list idle sessions failed", "error", err)
		return
	}
	for _, sess := range idle {
		if err := p.Sessions.UnloadSession(ctx, sess); err != nil {
			p.Logger.Warn("unload session failed", "session_id", sess.ID, "error", err)
			continue
		}
		p.Logger.Info("session pruned from memory", "session_id", sess.ID)
	}
}
