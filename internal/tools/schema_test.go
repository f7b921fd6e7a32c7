package tools

import (
	"encoding/json"
	"testing"
)

type schemaTestParams struct {
	Name  string `json:"name" jsonschema:"required"`
	Count int    `json:"count,omitempty"`
}

func TestGenerateSchemaAndValidate(t *testing.T) {
	schemaDoc := GenerateSchema(&schemaTestParams{})
	validator, err := NewParamValidator("schema-test", schemaDoc)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}

	if err := validator.Validate(json.RawMessage(`{"name":"a","count":2}`)); err != nil {
		t.Fatalf("expected valid params to pass, got %v", err)
	}
	if err := validator.Validate(json.RawMessage(`{"count":2}`)); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
	if err := validator.Validate(json.RawMessage(`not json`)); err == nil {
		t.Fatal("expected malformed JSON to fail validation")
	}
}
