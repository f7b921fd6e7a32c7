package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// TimeParams optionally names an IANA zone; empty means UTC.
type TimeParams struct {
	Zone string `json:"zone,omitempty" jsonschema:"description=IANA time zone name, e.g. America/New_York. Defaults to UTC."`
}

// TimeTool reports the current time, used by routines and reasoning steps
// that need a stable notion of "now" routed through the same audit trail
// as every other tool call.
type TimeTool struct {
	tools.BaseTool
	now func() time.Time
}

// NewTimeTool constructs the reserved "time" tool.
func NewTimeTool() *TimeTool {
	return &TimeTool{
		BaseTool: tools.BaseTool{
			ToolName:        "time",
			ToolDescription: "Return the current date and time, optionally in a named time zone.",
			ToolSchema:      tools.GenerateSchema(&TimeParams{}),
			ToolDomain:      tools.DomainOrchestrator,
		},
		now: time.Now,
	}
}

func (t *TimeTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p TimeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
		}
	}
	now := t.now().UTC()
	if p.Zone != "" {
		loc, err := time.LoadLocation(p.Zone)
		if err != nil {
			return tools.ErrorOutput("unknown time zone: " + p.Zone), nil
		}
		now = t.now().In(loc)
	}
	return &tools.Output{Content: now.Format(time.RFC3339)}, nil
}
