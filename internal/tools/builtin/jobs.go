package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// JobCreateParams describes a longer-running task the agent wants to
// spin off from the current turn.
type JobCreateParams struct {
	Title       string `json:"title" jsonschema:"required"`
	Description string `json:"description" jsonschema:"required"`
	Mode        string `json:"mode,omitempty" jsonschema:"description=One of local sandboxed-worker claude-bridge, default local."`
	ProjectDir  string `json:"project_dir,omitempty"`
}

// JobCreateTool records a new Job in Pending state. Scheduling it is the
// job dispatcher's concern, not the tool's.
type JobCreateTool struct {
	tools.BaseTool
	store storage.JobStore
}

// NewJobCreateTool constructs the reserved "job_create" tool.
func NewJobCreateTool(store storage.JobStore) *JobCreateTool {
	return &JobCreateTool{
		BaseTool: tools.BaseTool{
			ToolName:        "job_create",
			ToolDescription: "Create a longer-running background job from the current conversation.",
			ToolSchema:      tools.GenerateSchema(&JobCreateParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
			Approval:        true,
		},
		store: store,
	}
}

func (t *JobCreateTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p JobCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	if strings.TrimSpace(p.Title) == "" {
		return tools.ErrorOutput("title must not be empty"), nil
	}
	mode := models.JobMode(strings.TrimSpace(p.Mode))
	switch mode {
	case "":
		mode = models.JobModeLocal
	case models.JobModeLocal, models.JobModeSandboxedWorker, models.JobModeClaudeBridge:
	default:
		return tools.ErrorOutput("mode must be one of: local, sandboxed-worker, claude-bridge"), nil
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             models.NewID(),
		UserID:         jobCtx.UserID,
		Title:          p.Title,
		Description:    p.Description,
		State:          models.JobPending,
		Mode:           mode,
		ProjectDir:     p.ProjectDir,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	_ = t.store.AppendJobEvent(ctx, &models.JobEvent{
		ID:        models.NewID(),
		JobID:     job.ID,
		Kind:      "created",
		Payload:   map[string]any{"title": job.Title, "mode": string(job.Mode)},
		CreatedAt: now,
	})
	return &tools.Output{
		Content: "created job " + job.ID,
		Detail:  map[string]any{"job_id": job.ID, "state": string(job.State)},
	}, nil
}

// JobStatusParams identifies the job to inspect.
type JobStatusParams struct {
	JobID string `json:"job_id" jsonschema:"required"`
}

// JobStatusTool reports a job's state and recent events. Ownership is
// checked first; a job owned by another user reads as not authorized,
// never as "exists but is someone else's".
type JobStatusTool struct {
	tools.BaseTool
	store storage.JobStore
}

// NewJobStatusTool constructs the reserved "job_status" tool.
func NewJobStatusTool(store storage.JobStore) *JobStatusTool {
	return &JobStatusTool{
		BaseTool: tools.BaseTool{
			ToolName:        "job_status",
			ToolDescription: "Report the state and recent events of a background job.",
			ToolSchema:      tools.GenerateSchema(&JobStatusParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
		},
		store: store,
	}
}

func (t *JobStatusTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p JobStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	owns, err := t.store.OwnsJob(ctx, jobCtx.UserID, p.JobID)
	if err != nil || !owns {
		return tools.ErrorOutput("not authorized for job " + p.JobID), nil
	}
	job, err := t.store.GetJob(ctx, p.JobID)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	events, _ := t.store.ListJobEvents(ctx, job.ID, 5, 0)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (%s)\n", job.ID, job.Title, job.State)
	if job.FailureReason != "" {
		fmt.Fprintf(&b, "failure: %s\n", job.FailureReason)
	}
	for _, e := range events {
		fmt.Fprintf(&b, "- %s %s\n", e.CreatedAt.Format(time.RFC3339), e.Kind)
	}
	return &tools.Output{
		Content: b.String(),
		Detail:  map[string]any{"job_id": job.ID, "state": string(job.State)},
	}, nil
}

// JobCancelParams identifies the job to cancel.
type JobCancelParams struct {
	JobID  string `json:"job_id" jsonschema:"required"`
	Reason string `json:"reason,omitempty"`
}

// JobCancelTool transitions a job to Cancelled. Terminal jobs are left
// untouched.
type JobCancelTool struct {
	tools.BaseTool
	store storage.JobStore
}

// NewJobCancelTool constructs the reserved "job_cancel" tool.
func NewJobCancelTool(store storage.JobStore) *JobCancelTool {
	return &JobCancelTool{
		BaseTool: tools.BaseTool{
			ToolName:        "job_cancel",
			ToolDescription: "Cancel a background job that has not yet finished.",
			ToolSchema:      tools.GenerateSchema(&JobCancelParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
			Approval:        true,
		},
		store: store,
	}
}

func (t *JobCancelTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p JobCancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	owns, err := t.store.OwnsJob(ctx, jobCtx.UserID, p.JobID)
	if err != nil || !owns {
		return tools.ErrorOutput("not authorized for job " + p.JobID), nil
	}
	job, err := t.store.GetJob(ctx, p.JobID)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	if job.State.IsTerminal() {
		return tools.ErrorOutput(fmt.Sprintf("job %s is already %s", job.ID, job.State)), nil
	}
	now := time.Now().UTC()
	job.State = models.JobCancelled
	job.FailureReason = p.Reason
	job.CompletedAt = now
	job.LastActivityAt = now
	if err := t.store.UpdateJob(ctx, job); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	_ = t.store.AppendJobEvent(ctx, &models.JobEvent{
		ID:        models.NewID(),
		JobID:     job.ID,
		Kind:      "cancelled",
		Payload:   map[string]any{"reason": p.Reason},
		CreatedAt: now,
	})
	return &tools.Output{Content: "cancelled job " + job.ID}, nil
}
