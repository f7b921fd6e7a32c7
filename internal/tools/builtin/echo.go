package builtin

import (
	"context"
	"encoding/json"

	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// EchoParams is echo's sole parameter.
type EchoParams struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back verbatim."`
}

// EchoTool returns its input unchanged, useful for testing the dispatch
// path and for sanity-checking the safety pipeline end to end.
type EchoTool struct {
	tools.BaseTool
}

// NewEchoTool constructs the reserved "echo" tool.
func NewEchoTool() *EchoTool {
	return &EchoTool{BaseTool: tools.BaseTool{
		ToolName:        "echo",
		ToolDescription: "Echo back the given text.",
		ToolSchema:      tools.GenerateSchema(&EchoParams{}),
		ToolDomain:      tools.DomainOrchestrator,
	}}
}

func (t *EchoTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p EchoParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	return &tools.Output{Content: p.Text}, nil
}
