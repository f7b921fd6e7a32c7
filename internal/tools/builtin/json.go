package builtin

import (
	"context"
	"encoding/json"

	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// JSONParams carries an operation and the raw document it applies to.
type JSONParams struct {
	Operation string          `json:"operation" jsonschema:"required,enum=format,enum=minify,enum=validate,description=What to do with document."`
	Document  json.RawMessage `json:"document" jsonschema:"required,description=A JSON document as a string or object."`
}

// JSONTool formats, minifies, or validates a JSON document without
// round-tripping it through an LLM completion.
type JSONTool struct {
	tools.BaseTool
}

// NewJSONTool constructs the reserved "json" tool.
func NewJSONTool() *JSONTool {
	return &JSONTool{BaseTool: tools.BaseTool{
		ToolName:        "json",
		ToolDescription: "Format, minify, or validate a JSON document.",
		ToolSchema:      tools.GenerateSchema(&JSONParams{}),
		ToolDomain:      tools.DomainOrchestrator,
	}}
}

func (t *JSONTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p JSONParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	var decoded any
	if err := json.Unmarshal(p.Document, &decoded); err != nil {
		return tools.ErrorOutput("document is not valid JSON: " + err.Error()), nil
	}
	switch p.Operation {
	case "validate":
		return &tools.Output{Content: "valid"}, nil
	case "minify":
		out, err := json.Marshal(decoded)
		if err != nil {
			return tools.ErrorOutput(err.Error()), nil
		}
		return &tools.Output{Content: string(out)}, nil
	case "format", "":
		out, err := json.MarshalIndent(decoded, "", "  ")
		if err != nil {
			return tools.ErrorOutput(err.Error()), nil
		}
		return &tools.Output{Content: string(out)}, nil
	default:
		return tools.ErrorOutput("unknown operation: " + p.Operation), nil
	}
}
