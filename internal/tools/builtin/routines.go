package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/danielsimonjr/ironclaw/internal/storage"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/pkg/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RoutineCreateParams defines a scheduled or event-triggered routine.
type RoutineCreateParams struct {
	Name         string `json:"name" jsonschema:"required"`
	Trigger      string `json:"trigger" jsonschema:"required,description=One of cron regex webhook manual."`
	CronExpr     string `json:"cron_expr,omitempty" jsonschema:"description=Five-field cron expression, required for cron triggers."`
	RegexPattern string `json:"regex_pattern,omitempty" jsonschema:"description=Pattern matched against incoming messages, required for regex triggers."`
	SystemPrompt string `json:"system_prompt" jsonschema:"required,description=The prompt the routine runs when it fires."`
	CooldownSecs int    `json:"cooldown_secs,omitempty"`
}

// RoutineCreateTool persists a new routine, validating its trigger
// expression up front so a broken cron/regex never reaches the engine.
type RoutineCreateTool struct {
	tools.BaseTool
	store storage.RoutineStore
}

// NewRoutineCreateTool constructs the reserved "routine_create" tool.
func NewRoutineCreateTool(store storage.RoutineStore) *RoutineCreateTool {
	return &RoutineCreateTool{
		BaseTool: tools.BaseTool{
			ToolName:        "routine_create",
			ToolDescription: "Create a scheduled or event-triggered routine.",
			ToolSchema:      tools.GenerateSchema(&RoutineCreateParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
			Approval:        true,
		},
		store: store,
	}
}

func (t *RoutineCreateTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p RoutineCreateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	kind := models.RoutineTriggerKind(strings.ToLower(strings.TrimSpace(p.Trigger)))
	switch kind {
	case models.TriggerCron:
		if _, err := cronParser.Parse(p.CronExpr); err != nil {
			return tools.ErrorOutput("invalid cron expression: " + err.Error()), nil
		}
	case models.TriggerRegex:
		if _, err := regexp.Compile(p.RegexPattern); err != nil {
			return tools.ErrorOutput("invalid regex pattern: " + err.Error()), nil
		}
	case models.TriggerWebhook, models.TriggerManual:
	default:
		return tools.ErrorOutput("trigger must be one of: cron, regex, webhook, manual"), nil
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return tools.ErrorOutput("system_prompt must not be empty"), nil
	}

	r := &models.Routine{
		ID:           models.NewID(),
		UserID:       jobCtx.UserID,
		Name:         p.Name,
		TriggerKind:  kind,
		CronExpr:     p.CronExpr,
		RegexPattern: p.RegexPattern,
		SystemPrompt: p.SystemPrompt,
		Cooldown:     time.Duration(p.CooldownSecs) * time.Second,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := t.store.CreateRoutine(ctx, r); err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	return &tools.Output{
		Content: "created routine " + r.ID,
		Detail:  map[string]any{"routine_id": r.ID, "trigger": string(kind)},
	}, nil
}

// RoutineListParams filters the routine listing.
type RoutineListParams struct {
	EnabledOnly bool `json:"enabled_only,omitempty"`
}

// RoutineListTool lists the caller's routines with their runtime stats.
type RoutineListTool struct {
	tools.BaseTool
	store storage.RoutineStore
}

// NewRoutineListTool constructs the reserved "routine_list" tool.
func NewRoutineListTool(store storage.RoutineStore) *RoutineListTool {
	return &RoutineListTool{
		BaseTool: tools.BaseTool{
			ToolName:        "routine_list",
			ToolDescription: "List the configured routines and their run statistics.",
			ToolSchema:      tools.GenerateSchema(&RoutineListParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
		},
		store: store,
	}
}

func (t *RoutineListTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p RoutineListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	routines, err := t.store.ListRoutines(ctx, jobCtx.UserID, p.EnabledOnly)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	var b strings.Builder
	for _, r := range routines {
		state := "enabled"
		if !r.Enabled {
			state = "disabled"
		}
		trigger := string(r.TriggerKind)
		switch r.TriggerKind {
		case models.TriggerCron:
			trigger += " " + r.CronExpr
		case models.TriggerRegex:
			trigger += " /" + r.RegexPattern + "/"
		}
		fmt.Fprintf(&b, "%s %s [%s] (%s, %d runs)\n", r.ID, r.Name, trigger, state, r.RunCount)
	}
	if b.Len() == 0 {
		b.WriteString("no routines configured")
	}
	return &tools.Output{Content: b.String(), Detail: map[string]any{"count": len(routines)}}, nil
}

// RoutineRunParams fires a routine immediately, bypassing its trigger.
type RoutineRunParams struct {
	RoutineID string `json:"routine_id" jsonschema:"required"`
}

// RoutineFirer is the scheduler-side hook RoutineRunTool fires through,
// kept as a narrow function type so this package does not depend on the
// routine engine.
type RoutineFirer func(ctx context.Context, routine *models.Routine) error

// RoutineRunTool fires a routine on demand (the manual trigger path).
type RoutineRunTool struct {
	tools.BaseTool
	store storage.RoutineStore
	fire  RoutineFirer
}

// NewRoutineRunTool constructs the reserved "routine_run" tool. fire may
// be nil, in which case the run is recorded but nothing executes.
func NewRoutineRunTool(store storage.RoutineStore, fire RoutineFirer) *RoutineRunTool {
	return &RoutineRunTool{
		BaseTool: tools.BaseTool{
			ToolName:        "routine_run",
			ToolDescription: "Fire a routine immediately, regardless of its trigger.",
			ToolSchema:      tools.GenerateSchema(&RoutineRunParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			NoSanitization:  true,
			Approval:        true,
		},
		store: store,
		fire:  fire,
	}
}

func (t *RoutineRunTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p RoutineRunParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	r, err := t.store.GetRoutine(ctx, p.RoutineID)
	if err != nil || r == nil {
		return tools.ErrorOutput("routine not found: " + p.RoutineID), nil
	}
	if r.UserID != jobCtx.UserID {
		return tools.ErrorOutput("not authorized for routine " + p.RoutineID), nil
	}

	run := &models.RoutineRun{
		ID:        models.NewID(),
		RoutineID: r.ID,
		Success:   true,
		FiredAt:   time.Now().UTC(),
	}
	if t.fire != nil {
		if err := t.fire(ctx, r); err != nil {
			run.Success = false
			run.Error = err.Error()
		}
	}
	_ = t.store.RecordRoutineRun(ctx, run)

	r.LastFiredAt = run.FiredAt
	r.RunCount++
	_ = t.store.UpdateRoutine(ctx, r)

	if !run.Success {
		return tools.ErrorOutput("routine fired with error: " + run.Error), nil
	}
	return &tools.Output{Content: "fired routine " + r.ID}, nil
}
