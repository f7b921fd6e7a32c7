package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// SelfRepair periodically scans for jobs stuck in InProgress and for
// tools with excessive consecutive failures.
type SelfRepair struct {
	Store                storage.Port
	Logger               *slog.Logger
	ScanInterval         time.Duration
	StuckThreshold       time.Duration
	MaxRepairAttempts    int
	ToolFailureThreshold int
}

// NewSelfRepair constructs a SelfRepair task with the given tunables.
func NewSelfRepair(store storage.Port, logger *slog.Logger, scanInterval, stuckThreshold time.Duration, maxRepairAttempts, toolFailureThreshold int) *SelfRepair {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRepairAttempts <= 0 {
		maxRepairAttempts = 5
	}
	if toolFailureThreshold <= 0 {
		toolFailureThreshold = 5
	}
	return &SelfRepair{
		Store:                store,
		Logger:               logger.With("task", "self_repair"),
		ScanInterval:         scanInterval,
		StuckThreshold:       stuckThreshold,
		MaxRepairAttempts:    maxRepairAttempts,
		ToolFailureThreshold: toolFailureThreshold,
	}
}

func (r *SelfRepair) Name() string { return "self_repair" }

func (r *SelfRepair) Run(ctx context.Context) {
	runTicker(ctx, r.ScanInterval, r.scan)
}

func (r *SelfRepair) scan(ctx context.Context) {
	r.scanStuckJobs(ctx)
	r.scanBrokenTools(ctx)
}

// scanStuckJobs finds InProgress jobs whose last activity exceeds
// StuckThreshold, marks them Stuck, and attempts bounded recovery back
// into InProgress; jobs that have exhausted MaxRepairAttempts are marked
// Failed instead.
func (r *SelfRepair) scanStuckJobs(ctx context.Context) {
	cutoff := time.Now().Add(-r.StuckThreshold).Unix()
	candidates, err := r.Store.ListStuckCandidates(ctx, cutoff)
	if err != nil {
		r.Logger.Warn("list stuck candidates failed", "error", err)
		return
	}

	for _, job := range candidates {
		if !job.State.CanTransition(models.JobStuck) {
			continue
		}
		job.State = models.JobStuck
		if err := r.Store.UpdateJob(ctx, job); err != nil {
			r.Logger.Warn("mark job stuck failed", "job_id", job.ID, "error", err)
			continue
		}

		if job.RepairAttempts >= r.MaxRepairAttempts {
			job.State = models.JobFailed
			job.FailureReason = "exceeded max repair attempts"
			if err := r.Store.UpdateJob(ctx, job); err != nil {
				r.Logger.Warn("fail exhausted job failed", "job_id", job.ID, "error", err)
			}
			continue
		}

		job.RepairAttempts++
		job.State = models.JobInProgress
		job.LastActivityAt = time.Now().UTC()
		if err := r.Store.UpdateJob(ctx, job); err != nil {
			r.Logger.Warn("recover stuck job failed", "job_id", job.ID, "error", err)
			continue
		}
		_ = r.Store.AppendJobEvent(ctx, &models.JobEvent{
			ID:        models.NewID(),
			JobID:     job.ID,
			Kind:      "repair_attempt",
			Payload:   map[string]any{"attempt": job.RepairAttempts},
			CreatedAt: time.Now().UTC(),
		})
	}
}

// scanBrokenTools marks tools whose consecutive-failure count exceeds
// ToolFailureThreshold as broken; RecordToolSuccess (called from the
// dispatch path) resets the counter, which is the only recovery path
// back out of broken.
func (r *SelfRepair) scanBrokenTools(ctx context.Context) {
	failing, err := r.Store.ListFailingTools(ctx, r.ToolFailureThreshold)
	if err != nil {
		r.Logger.Warn("list failing tools failed", "error", err)
		return
	}
	for _, tf := range failing {
		marked, err := r.Store.MarkBroken(ctx, tf.ToolName, r.ToolFailureThreshold)
		if err != nil {
			r.Logger.Warn("mark tool broken failed", "tool", tf.ToolName, "error", err)
			continue
		}
		if marked {
			r.Logger.Warn("tool marked broken", "tool", tf.ToolName, "failures", tf.ConsecutiveFailures)
		}
	}
}
