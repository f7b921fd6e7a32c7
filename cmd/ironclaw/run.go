package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielsimonjr/ironclaw/internal/background"
	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/channel/httpchan"
	"github.com/danielsimonjr/ironclaw/internal/channel/terminal"
	"github.com/danielsimonjr/ironclaw/internal/channel/websocket"
	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/gateway"
	"github.com/danielsimonjr/ironclaw/internal/net/ssrf"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/tools/sandbox"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent runtime (the default subcommand)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, flags)
		},
	}
}

// runAgent assembles the full runtime and blocks until interrupted.
func runAgent(cmd *cobra.Command, flags *rootFlags) error {
	return runAgentWith(cmd, flags, nil)
}

// runAgentWith lets a subcommand adjust the effective configuration
// (e.g. `gateway` forcing channels off) before anything starts.
func runAgentWith(cmd *cobra.Command, flags *rootFlags, mutate func(*config.Config)) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.Config
	if mutate != nil {
		mutate(cfg)
	}

	manager := channel.NewManager(256)
	a.Worker.Channels = manager

	if cfg.Channels.Terminal.Enabled {
		if err := manager.Register(ctx, terminal.New(DefaultUserID, os.Stdin, os.Stdout)); err != nil {
			return err
		}
	}
	if cfg.Channels.HTTP.Enabled {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Channels.HTTP.Port))
		if err := manager.Register(ctx, httpchan.New(addr, cfg.Channels.HTTP.Path, cfg.Gateway.AuthToken)); err != nil {
			return err
		}
	}
	if cfg.Channels.WebSocket.Enabled {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Channels.WebSocket.Port))
		if err := manager.Register(ctx, websocket.New(addr, cfg.Channels.WebSocket.Path)); err != nil {
			return err
		}
	}

	// Sandbox protocol server plus dispatcher, when enabled.
	if cfg.Sandbox.Enabled {
		tokens := sandbox.NewTokenStore()
		runner := sandbox.NewLocalRunner(cfg.Sandbox.WorkerBinary)
		dispatcher := sandbox.NewDispatcher(tokens, runner, "", true, ironclawDir(), a.Allowlist)
		server := sandbox.NewServer(tokens, a.LLM, a.Store, nil, dispatcher.Complete)
		server.Proxy = ssrf.NewProxy(ssrf.ProxyConfig{
			AllowedHosts: cfg.Sandbox.AllowedHosts,
			Scanner:      a.Safety,
		})
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("starting sandbox listener: %w", err)
		}
		dispatcher.BaseURL = "http://" + listener.Addr().String()
		srv := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() { _ = srv.Serve(listener) }()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.Worker.Sandbox = dispatcher
	}

	// Optional HTTP gateway, registered as a channel so worker status
	// events reach its SSE subscribers.
	if cfg.Gateway.Enabled {
		gw := gateway.NewServer(a.Sessions, a.Scheduler, a.Worker, a.Gate, a.Store, a.Workspace, a.Embeddings, cfg.Gateway.AuthToken)
		gw.Metrics = a.Metrics
		gw.Logger = a.Logger
		gw.RateLimit = gateway.NewRateLimiter(cfg.Gateway.RateLimitRPS, cfg.Gateway.RateLimitBurst)
		if err := manager.Register(ctx, gw); err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Gateway.Port)),
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() { _ = srv.ListenAndServe() }()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Background tasks.
	slogger := a.Logger.Slog()
	routines := background.NewRoutineEngine(a.Store, a.Scheduler, a.Worker, a.Sessions, slogger, time.Minute)
	tasks := []background.Task{
		background.NewSelfRepair(a.Store, slogger, time.Minute, cfg.Agent.StuckThreshold, cfg.Agent.RepairMaxAttempts, 5),
		background.NewSessionPruner(a.Store, a.Sessions, slogger, 10*time.Minute, cfg.Heartbeat.IdleTimeout),
		routines,
	}
	if cfg.Heartbeat.Enabled {
		tasks = append(tasks, background.NewHeartbeat(a.Worker, a.Sessions, a.Store, a.Workspace, slogger, DefaultUserID, cfg.Heartbeat.Interval))
	}
	reload := background.NewConfigReload(pickBootstrapPath(flags), background.DefaultReloadDebounce, func(ctx context.Context) {
		cfg2, err := loadConfig(flags)
		if err != nil {
			a.Logger.Warn(ctx, "config reload failed", "error", err)
			return
		}
		// Only hot-reloadable fields are reconciled; backend/port changes
		// require a restart.
		cfg.Safety = cfg2.Safety
		cfg.Agent.StuckThreshold = cfg2.Agent.StuckThreshold
		cfg.Heartbeat.Enabled = cfg2.Heartbeat.Enabled
		a.Logger.Info(ctx, "configuration reloaded")
	}, slogger)
	tasks = append(tasks, reload)

	supervisor := background.NewSupervisor(slogger, tasks...)
	supervisor.Start(ctx)

	a.Logger.Info(ctx, "ironclaw started",
		"database", cfg.Database.Backend,
		"llm", a.LLM.Name(),
		"gateway", cfg.Gateway.Enabled,
		"sandbox", cfg.Sandbox.Enabled)

	loop := &agentLoop{app: a, manager: manager, routines: routines}
	loop.run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = manager.Shutdown(shutdownCtx)
	supervisor.Wait()
	return nil
}

// agentLoop consumes the merged channel stream and dispatches each
// submission.
type agentLoop struct {
	app      *app
	manager  *channel.Manager
	routines *background.RoutineEngine
}

func (l *agentLoop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-l.manager.Messages():
			if !ok {
				return
			}
			if quit := l.handle(ctx, msg); quit {
				return
			}
		}
	}
}

// handle processes one incoming message; it returns true for Quit.
func (l *agentLoop) handle(ctx context.Context, msg channel.IncomingMessage) bool {
	a := l.app
	sess, thread, err := a.Sessions.Resolve(ctx, msg.UserID, msg.ChannelName, msg.ExternalThreadID)
	if err != nil {
		a.Logger.Error(ctx, "resolving thread failed", "error", err)
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "internal error resolving conversation"})
		return false
	}

	// Event-triggered routines see every message, whatever its kind.
	l.routines.MatchEvent(ctx, msg)

	sub := session.ParseSubmission(msg.Content, thread.State == models.ThreadWaitingApproval)
	switch sub.Kind {
	case session.SubmissionQuit:
		return msg.ChannelName == "terminal"
	case session.SubmissionApprovalResponse:
		l.handleApproval(ctx, sess, thread, msg)
	case session.SubmissionUserInput:
		l.handleUserInput(ctx, sess, thread, msg)
	case session.SubmissionInterrupt:
		a.Scheduler.Cancel(thread.ID)
		_ = a.Sessions.TransitionThread(ctx, thread, models.ThreadStopped)
		_ = a.Sessions.TransitionThread(ctx, thread, models.ThreadIdle)
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "interrupted", ThreadID: thread.ID})
	case session.SubmissionUndo:
		undone := a.Sessions.UndoFor(thread.ID).Undo()
		if undone == nil {
			_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "nothing to undo"})
		} else {
			_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: fmt.Sprintf("undid turn %d", undone.TurnNumber)})
		}
	case session.SubmissionRedo:
		redone := a.Sessions.UndoFor(thread.ID).Redo()
		if redone == nil {
			_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "nothing to redo"})
		} else {
			_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: fmt.Sprintf("redid turn %d", redone.TurnNumber)})
		}
	case session.SubmissionCompact:
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "history will be compacted before the next turn"})
	case session.SubmissionHeartbeat:
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "heartbeat acknowledged"})
	case session.SubmissionNewThread:
		l.handleNewThread(ctx, sess, msg)
	case session.SubmissionSwitchThread:
		l.handleSwitchThread(ctx, sess, sub.Arg, msg)
	case session.SubmissionSystemCommand:
		l.handleSystemCommand(ctx, sub, msg)
	}
	return false
}

func (l *agentLoop) handleUserInput(ctx context.Context, sess *models.Session, thread *models.Thread, msg channel.IncomingMessage) {
	a := l.app
	turn := &models.Turn{
		ID:         models.NewID(),
		ThreadID:   thread.ID,
		TurnNumber: thread.TurnCount,
		UserInput:  msg.Content,
		State:      models.TurnInProgress,
		StartedAt:  time.Now().UTC(),
	}
	if err := a.Store.CreateTurn(ctx, turn); err != nil {
		a.Logger.Error(ctx, "creating turn failed", "error", err)
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "internal error starting turn"})
		return
	}
	thread.TurnCount++
	if err := a.Sessions.TransitionThread(ctx, thread, models.ThreadProcessing); err != nil {
		// The thread is mid-turn; the scheduler queues this submission
		// behind the running one.
		thread.TurnCount--
	}

	auto := l.autoApprovedFor(sess)
	incoming := msg
	a.Scheduler.Submit(ctx, thread.ID, func(ctx context.Context) error {
		err := a.Worker.RunTurn(ctx, sess, thread, auto, &incoming, turn)
		if err != nil {
			a.Logger.Error(ctx, "turn failed", "thread_id", thread.ID, "error", err)
		}
		if turn.State == models.TurnCompleted {
			a.Sessions.UndoFor(thread.ID).Push(turn)
		}
		return err
	})
}

func (l *agentLoop) handleApproval(ctx context.Context, sess *models.Session, thread *models.Thread, msg channel.IncomingMessage) {
	a := l.app
	decision, ok := tools.ParseApprovalResponse(msg.Content)
	if !ok || thread.PendingApprovalID == "" {
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "no approval pending"})
		return
	}
	auto := l.autoApprovedFor(sess)
	req, err := a.Gate.Resolve(ctx, thread.PendingApprovalID, decision, auto)
	if err != nil || req == nil {
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "no approval pending"})
		return
	}
	thread.PendingApprovalID = ""

	if decision == tools.ApprovalDenied {
		_ = a.Sessions.TransitionThread(ctx, thread, models.ThreadIdle)
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: fmt.Sprintf("denied %s", req.ToolName), ThreadID: thread.ID})
		return
	}

	if decision == tools.ApprovalAlways {
		sess.AutoApprove(req.ToolName)
		_ = a.Store.UpdateSession(ctx, sess)
	}
	_ = a.Sessions.TransitionThread(ctx, thread, models.ThreadProcessing)

	// Resume: re-run the suspended turn; the approval gate now passes for
	// the approved tool.
	turns, err := a.Store.ListTurns(ctx, thread.ID, 0, 0)
	if err != nil || len(turns) == 0 {
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "suspended turn not found"})
		return
	}
	turn := turns[len(turns)-1]
	if decision == tools.ApprovalApproved {
		// One-shot approval: allow exactly this tool for the resumed run.
		auto = l.oneShot(auto, req.ToolName)
	}
	incoming := msg
	resumeAuto := auto
	a.Scheduler.Submit(ctx, thread.ID, func(ctx context.Context) error {
		err := a.Worker.RunTurn(ctx, sess, thread, resumeAuto, &incoming, turn)
		if turn.State == models.TurnCompleted {
			a.Sessions.UndoFor(thread.ID).Push(turn)
		}
		return err
	})
}

// oneShot layers a single additional tool over the session's standing
// approvals without mutating them.
func (l *agentLoop) oneShot(base *tools.AutoApprovedSet, toolName string) *tools.AutoApprovedSet {
	merged := tools.NewAutoApprovedSet()
	if base != nil {
		merged.Restore(base.Snapshot())
	}
	merged.Add(toolName)
	return merged
}

func (l *agentLoop) autoApprovedFor(sess *models.Session) *tools.AutoApprovedSet {
	auto := tools.NewAutoApprovedSet()
	for name := range sess.AutoApprovedTool {
		auto.Add(name)
	}
	return auto
}

func (l *agentLoop) handleNewThread(ctx context.Context, sess *models.Session, msg channel.IncomingMessage) {
	a := l.app
	thread := models.NewThread(sess.ID, sess.UserID)
	if err := a.Store.CreateThread(ctx, thread); err != nil {
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "creating thread failed"})
		return
	}
	sess.ActiveThreadID = thread.ID
	_ = a.Store.UpdateSession(ctx, sess)
	_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "started new thread " + thread.ID, ThreadID: thread.ID})
}

func (l *agentLoop) handleSwitchThread(ctx context.Context, sess *models.Session, target string, msg channel.IncomingMessage) {
	a := l.app
	threads, err := a.Store.ListThreadsBySession(ctx, sess.ID)
	if err != nil {
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "listing threads failed"})
		return
	}
	for _, t := range threads {
		if t.ID == target || strings.EqualFold(t.Title, target) {
			sess.ActiveThreadID = t.ID
			_ = a.Store.UpdateSession(ctx, sess)
			_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "switched to thread " + t.ID, ThreadID: t.ID})
			return
		}
	}
	_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "no such thread: " + target})
}

func (l *agentLoop) handleSystemCommand(ctx context.Context, sub session.Submission, msg channel.IncomingMessage) {
	a := l.app
	trimmed := strings.TrimSpace(strings.ToLower(sub.Raw))
	switch {
	case strings.HasPrefix(trimmed, "/help"):
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "commands: /help /tools /model /debug /ping /undo /redo /stop /compact /new /switch <id> /quit"})
	case strings.HasPrefix(trimmed, "/tools"):
		var names []string
		for _, t := range a.Registry.List() {
			names = append(names, t.Name())
		}
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "tools: " + strings.Join(names, ", ")})
	case strings.HasPrefix(trimmed, "/model"):
		if sub.Arg != "" {
			a.Worker.Model = sub.Arg
			_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "model set to " + sub.Arg})
		} else {
			_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "model: " + a.Worker.Model})
		}
	case strings.HasPrefix(trimmed, "/debug"):
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: fmt.Sprintf("provider=%s queue_depth=%d", a.LLM.Name(), a.Scheduler.QueueDepth())})
	case strings.HasPrefix(trimmed, "/ping"):
		_ = l.manager.Respond(ctx, &msg, channel.OutgoingResponse{Content: "pong"})
	}
}

// reconcilable documents which config fields hot-reload; referenced by
// the doctor subcommand's output.
var reconcilable = []string{"safety.max_output_length", "agent.stuck_threshold", "heartbeat.enabled"}
