package background

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/danielsimonjr/ironclaw/internal/channel"
	"github.com/danielsimonjr/ironclaw/internal/scheduler"
	"github.com/danielsimonjr/ironclaw/internal/session"
	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// routineChannelName is the internal channel.Manager route every
// routine-fired turn is resolved under, distinct from any real inbound
// channel so routine threads never collide with a user's conversation
// thread for the same user id.
const routineChannelName = "routine"

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RoutineEngine runs the two routine sub-loops: a cron ticker that
// polls persistence for due cron-triggered routines, and an event
// matcher invoked per incoming message that applies each enabled
// regex-triggered routine against the message content. Firing is routed
// through internal/scheduler as a system-prompted turn.
type RoutineEngine struct {
	Store     storage.RoutineStore
	Scheduler *scheduler.Scheduler
	Worker    *scheduler.Worker
	Sessions  *session.Manager
	Logger    *slog.Logger

	CronPollInterval time.Duration

	mu       sync.Mutex
	compiled map[string]*regexp.Regexp // routine id -> compiled pattern
}

// NewRoutineEngine constructs a RoutineEngine.
func NewRoutineEngine(store storage.RoutineStore, sched *scheduler.Scheduler, worker *scheduler.Worker, sessions *session.Manager, logger *slog.Logger, cronPollInterval time.Duration) *RoutineEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoutineEngine{
		Store:            store,
		Scheduler:        sched,
		Worker:           worker,
		Sessions:         sessions,
		Logger:           logger.With("task", "routine_engine"),
		CronPollInterval: cronPollInterval,
		compiled:         make(map[string]*regexp.Regexp),
	}
}

func (e *RoutineEngine) Name() string { return "routine_engine" }

// Run starts the cron sub-loop. The event-matcher sub-loop isn't a ticker
// — callers feed it incoming messages via MatchEvent as they arrive.
func (e *RoutineEngine) Run(ctx context.Context) {
	runTicker(ctx, e.CronPollInterval, e.pollCron)
}

func (e *RoutineEngine) pollCron(ctx context.Context) {
	routines, err := e.Store.ListRoutines(ctx, "", true)
	if err != nil {
		e.Logger.Warn("list routines failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, r := range routines {
		if r.TriggerKind != models.TriggerCron || r.CronExpr == "" {
			continue
		}
		if !e.cooldownElapsed(r, now) {
			continue
		}
		sched, err := cronParser.Parse(r.CronExpr)
		if err != nil {
			e.Logger.Warn("invalid cron expression", "routine_id", r.ID, "error", err)
			continue
		}
		// A zero LastFiredAt (never fired) is due immediately; otherwise
		// due once the schedule's next occurrence after the last firing
		// has arrived.
		next := sched.Next(r.LastFiredAt)
		if r.LastFiredAt.IsZero() || !next.After(now) {
			e.fire(ctx, r, now)
		}
	}
}

// MatchEvent is the event-matcher sub-loop: apply every enabled
// regex-triggered routine's pattern against an incoming message's
// content, firing each one that matches and whose cooldown has elapsed.
// Intended to be called once per message the channel.Manager fans in.
func (e *RoutineEngine) MatchEvent(ctx context.Context, msg channel.IncomingMessage) {
	routines, err := e.Store.ListRoutines(ctx, "", true)
	if err != nil {
		e.Logger.Warn("list routines failed", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, r := range routines {
		if r.TriggerKind != models.TriggerRegex || r.RegexPattern == "" {
			continue
		}
		if !e.cooldownElapsed(r, now) {
			continue
		}
		re, err := e.compile(r)
		if err != nil {
			e.Logger.Warn("invalid routine regex", "routine_id", r.ID, "error", err)
			continue
		}
		if re.MatchString(msg.Content) {
			e.fire(ctx, r, now)
		}
	}
}

func (e *RoutineEngine) compile(r *models.Routine) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.compiled[r.ID]; ok {
		return re, nil
	}
	re, err := regexp.Compile(r.RegexPattern)
	if err != nil {
		return nil, err
	}
	e.compiled[r.ID] = re
	return re, nil
}

func (e *RoutineEngine) cooldownElapsed(r *models.Routine, now time.Time) bool {
	if r.Cooldown <= 0 || r.LastFiredAt.IsZero() {
		return true
	}
	return now.Sub(r.LastFiredAt) >= r.Cooldown
}

// fire queues a system-prompted turn through the scheduler, keyed by the
// routine's id so two firings of the same routine never run
// concurrently, and records the resulting RoutineRun.
func (e *RoutineEngine) fire(ctx context.Context, r *models.Routine, firedAt time.Time) {
	r.LastFiredAt = firedAt
	r.RunCount++
	if err := e.Store.UpdateRoutine(ctx, r); err != nil {
		e.Logger.Warn("update routine firing metadata failed", "routine_id", r.ID, "error", err)
	}

	e.Scheduler.Submit(ctx, "routine:"+r.ID, func(jobCtx context.Context) error {
		_, err := runSystemTurn(jobCtx, e.Worker, e.Sessions, e.Worker.Store, r.UserID, routineChannelName, r.SystemPrompt)
		run := &models.RoutineRun{
			ID:        models.NewID(),
			RoutineID: r.ID,
			Success:   err == nil,
			FiredAt:   firedAt,
		}
		if err != nil {
			run.Error = err.Error()
		}
		if recErr := e.Store.RecordRoutineRun(jobCtx, run); recErr != nil {
			e.Logger.Warn("record routine run failed", "routine_id", r.ID, "error", recErr)
		}
		return err
	})
}
