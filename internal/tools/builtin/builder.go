package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

// BuilderParams describes a software-building task to delegate.
type BuilderParams struct {
	Goal       string `json:"goal" jsonschema:"required,description=What to build or change."`
	ProjectDir string `json:"project_dir" jsonschema:"required"`
	Sandboxed  bool   `json:"sandboxed,omitempty" jsonschema:"description=Run in an isolated worker instead of locally."`
}

// BuilderTool creates a sandboxed-worker Job dedicated to a software
// build task. It is the registry's final, optional phase: deployments
// that disable the builder never register it.
type BuilderTool struct {
	tools.BaseTool
	store storage.JobStore
}

// NewBuilderTool constructs the reserved "builder" tool.
func NewBuilderTool(store storage.JobStore) *BuilderTool {
	return &BuilderTool{
		BaseTool: tools.BaseTool{
			ToolName:        "builder",
			ToolDescription: "Delegate a software build or change to a dedicated background job.",
			ToolSchema:      tools.GenerateSchema(&BuilderParams{}),
			ToolDomain:      tools.DomainContainer,
			Approval:        true,
			Timeout:         5 * time.Minute,
		},
		store: store,
	}
}

func (t *BuilderTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p BuilderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	if strings.TrimSpace(p.Goal) == "" || strings.TrimSpace(p.ProjectDir) == "" {
		return tools.ErrorOutput("goal and project_dir must not be empty"), nil
	}
	mode := models.JobModeLocal
	if p.Sandboxed {
		mode = models.JobModeSandboxedWorker
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:             models.NewID(),
		UserID:         jobCtx.UserID,
		Title:          "build: " + firstLine(p.Goal, 80),
		Description:    p.Goal,
		State:          models.JobPending,
		Mode:           mode,
		ProjectDir:     p.ProjectDir,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{
		Content: "created build job " + job.ID,
		Detail:  map[string]any{"job_id": job.ID, "mode": string(mode)},
	}, nil
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
