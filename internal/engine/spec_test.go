package engine_test

import (
	"errors"
	"testing"

	"github.com/basket/sessiond/internal/engine"
)

func TestParseTaskSpec_ExpandsTypedVariables(t *testing.T) {
	spec := `{"input":"scale {{service}} to {{replicas}} (dry-run={{dry}})"}`
	vars := `{"service":"api","replicas":3,"dry":false}`

	parsed, err := engine.ParseTaskSpec(spec, vars)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "scale api to 3 (dry-run=false)"
	if parsed.Input != want {
		t.Fatalf("Input = %q, want %q", parsed.Input, want)
	}
}

func TestParseTaskSpec_RepeatedPlaceholder(t *testing.T) {
	parsed, err := engine.ParseTaskSpec(`{"input":"{{name}} and {{name}}"}`, `{"name":"twin"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Input != "twin and twin" {
		t.Fatalf("Input = %q", parsed.Input)
	}
}

func TestParseTaskSpec_VariablesMustBeObject(t *testing.T) {
	_, err := engine.ParseTaskSpec(`{"input":"x"}`, `["not","an","object"]`)
	var cfgErr *engine.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
	if cfgErr.Field != "variables" {
		t.Fatalf("Field = %q", cfgErr.Field)
	}
}

func TestParseTaskSpec_SchemaAcceptsValidDocument(t *testing.T) {
	spec := `{
		"input": "notify {{channel}}",
		"variables_schema": {
			"type": "object",
			"properties": {"channel": {"type": "string", "minLength": 1}},
			"required": ["channel"]
		}
	}`
	parsed, err := engine.ParseTaskSpec(spec, `{"channel":"#ops"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Input != "notify #ops" {
		t.Fatalf("Input = %q", parsed.Input)
	}

	_, err = engine.ParseTaskSpec(spec, `{}`)
	var cfgErr *engine.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("missing required: err = %v, want ConfigurationError", err)
	}
}

func TestParseTaskSpec_EmptyVariablesDocument(t *testing.T) {
	parsed, err := engine.ParseTaskSpec(`{"input":"plain"}`, "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Input != "plain" {
		t.Fatalf("Input = %q", parsed.Input)
	}
}
