package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// reflector is shared across every built-in tool's schema generation so
// $ref definitions stay consistently named.
var reflector = &jsonschema.Reflector{
	FieldNameTag:   "json",
	DoNotReference: true,
	ExpandedStruct: true,
}

// GenerateSchema reflects a Go struct describing a tool's parameters into
// the JSON-Schema document Tool.Schema returns. v should be a pointer to a zero-value params struct.
func GenerateSchema(v any) json.RawMessage {
	schema := reflector.Reflect(v)
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// ParamValidator validates raw tool-call parameters against a tool's
// generated JSON-Schema before Execute runs, rejecting malformed calls
// with a structured error rather than letting the tool panic on a
// missing or mistyped field.
type ParamValidator struct {
	schema *sjsonschema.Schema
}

// NewParamValidator compiles schemaDoc (as produced by GenerateSchema)
// into a reusable validator.
func NewParamValidator(name string, schemaDoc json.RawMessage) (*ParamValidator, error) {
	url := "tool://" + name + "/schema.json"
	schema, err := sjsonschema.CompileString(url, string(schemaDoc))
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema: %w", err)
	}
	return &ParamValidator{schema: schema}, nil
}

// Validate decodes params as generic JSON and checks it against the
// compiled schema.
func (v *ParamValidator) Validate(params json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("tools: params is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(decoded); err != nil {
		return fmt.Errorf("tools: params failed schema validation: %w", err)
	}
	return nil
}
