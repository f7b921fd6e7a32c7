// Package background implements the five long-running tasks that run
// alongside the scheduler: self-repair, session pruning, the routine
// engine (cron + event-matcher sub-loops), heartbeat, and config reload.
// All five are cooperative and stop on a single shared shutdown signal:
// a time.Ticker plus a WaitGroup-tracked goroutine per task.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/scheduler"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// Task is one of the five background loops. Each owns its own ticker (or
// watcher) and exits promptly when ctx is cancelled.
type Task interface {
	Name() string
	Run(ctx context.Context)
}

// Supervisor starts every registered Task in its own goroutine and waits
// for all of them to exit on Stop.
type Supervisor struct {
	logger *slog.Logger
	tasks  []Task

	wg sync.WaitGroup
}

// NewSupervisor constructs a Supervisor over tasks. A nil logger falls
// back to slog.Default().
func NewSupervisor(logger *slog.Logger, tasks ...Task) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger.With("component", "background"), tasks: tasks}
}

// Start launches every task. It returns immediately; tasks run until ctx
// is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	for _, t := range s.tasks {
		task := t
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("background task starting", "task", task.Name())
			task.Run(ctx)
			s.logger.Info("background task stopped", "task", task.Name())
		}()
	}
}

// Wait blocks until every task has exited (i.e. after the Supervisor's
// context has been cancelled).
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// runSystemTurn drives one auto-started turn with a predefined system
// prompt as its user input, on a dedicated internal channel route
// (channelName distinguishes heartbeat turns from routine-fired turns in
// the thread-routing map). Shared by the routine engine and the
// heartbeat task, both of which synthesize turns rather than reacting to
// a real channel.Channel.
func runSystemTurn(ctx context.Context, worker *scheduler.Worker, sessions *session.Manager, store storage.ConversationStore, userID, channelName, content string) (*models.Turn, error) {
	sess, thread, err := sessions.Resolve(ctx, userID, channelName, "")
	if err != nil {
		return nil, fmt.Errorf("background: resolving thread: %w", err)
	}
	if err := sessions.TransitionThread(ctx, thread, models.ThreadProcessing); err != nil {
		return nil, fmt.Errorf("background: transitioning thread: %w", err)
	}

	count, err := store.CountTurns(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("background: counting turns: %w", err)
	}

	turn := &models.Turn{
		ID:         models.NewID(),
		ThreadID:   thread.ID,
		TurnNumber: count + 1,
		UserInput:  content,
		State:      models.TurnInProgress,
		StartedAt:  time.Now().UTC(),
	}
	if err := store.CreateTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("background: creating turn: %w", err)
	}

	auto := sessions.AutoApprovedFor(sess.ID)
	toolAuto := tools.NewAutoApprovedSet()
	toolAuto.Restore(auto.Names())

	var incoming *channel.IncomingMessage
	if err := worker.RunTurn(ctx, sess, thread, toolAuto, incoming, turn); err != nil {
		return turn, fmt.Errorf("background: running turn: %w", err)
	}
	return turn, nil
}

// runTicker is the shared loop shape every ticker-driven task uses; the
// first tick only happens after interval elapses.
func runTicker(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
