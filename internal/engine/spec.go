package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TaskSpec is the parsed session definition carried by a submission. The
// JSON form is stored verbatim on the execution row; parsing happens both
// at submit time (fail fast) and again on the claiming worker.
type TaskSpec struct {
	// Input is the first user message, after variable expansion.
	Input string `json:"input"`

	// UserID attributes the session to its owner.
	UserID string `json:"user_id,omitempty"`

	// Model, SystemPrompt, and ToolGroup configure the provisioned
	// session. Empty values fall back to runtime defaults.
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	ToolGroup    string `json:"tool_group,omitempty"`

	// SessionID pins the run to an existing session instead of
	// provisioning a fresh one.
	SessionID string `json:"session_id,omitempty"`

	// VariablesSchema, when set, is a JSON Schema the submitted
	// variables must satisfy before expansion.
	VariablesSchema json.RawMessage `json:"variables_schema,omitempty"`
}

// placeholderPattern matches {{key}} template slots in the input text.
var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.-]+)\}\}`)

// ParseTaskSpec decodes and validates a task spec against its variables.
// Unknown spec fields, schema violations, and unresolved placeholders are
// all ConfigurationErrors: the submission is rejected whole, nothing is
// partially applied.
func ParseTaskSpec(specJSON, variablesJSON string) (*TaskSpec, error) {
	var spec TaskSpec
	dec := json.NewDecoder(strings.NewReader(specJSON))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, &ConfigurationError{Field: "spec", Reason: err.Error()}
	}

	vars, err := decodeVariables(variablesJSON)
	if err != nil {
		return nil, err
	}
	if len(spec.VariablesSchema) > 0 {
		if err := validateVariables(spec.VariablesSchema, vars); err != nil {
			return nil, err
		}
	}

	expanded, err := expandInput(spec.Input, vars)
	if err != nil {
		return nil, err
	}
	spec.Input = expanded
	if strings.TrimSpace(spec.Input) == "" {
		return nil, &ConfigurationError{Field: "input", Reason: "required"}
	}
	return &spec, nil
}

// decodeVariables parses the variables document into a key/value map.
// Decoding goes through the schema library so validation and expansion
// see identical value types.
func decodeVariables(variablesJSON string) (map[string]any, error) {
	if strings.TrimSpace(variablesJSON) == "" {
		return map[string]any{}, nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(variablesJSON))
	if err != nil {
		return nil, &ConfigurationError{Field: "variables", Reason: err.Error()}
	}
	vars, ok := doc.(map[string]any)
	if !ok {
		return nil, &ConfigurationError{Field: "variables", Reason: "must be a JSON object"}
	}
	return vars, nil
}

// validateVariables checks the variables document against the spec's
// embedded JSON Schema.
func validateVariables(schemaJSON json.RawMessage, vars map[string]any) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return &ConfigurationError{Field: "variables_schema", Reason: err.Error()}
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("variables.json", doc); err != nil {
		return &ConfigurationError{Field: "variables_schema", Reason: err.Error()}
	}
	schema, err := compiler.Compile("variables.json")
	if err != nil {
		return &ConfigurationError{Field: "variables_schema", Reason: err.Error()}
	}
	if err := schema.Validate(any(vars)); err != nil {
		return &ConfigurationError{Field: "variables", Reason: err.Error()}
	}
	return nil
}

// expandInput substitutes {{key}} placeholders from the variables map.
// Every placeholder must resolve; a leftover slot means the submitter
// forgot a value, and a silent pass-through would send template syntax
// to the model.
func expandInput(input string, vars map[string]any) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(input, func(m string) string {
		key := placeholderPattern.FindStringSubmatch(m)[1]
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return variableString(v)
	})
	if len(missing) > 0 {
		return "", &ConfigurationError{
			Field:  "input",
			Reason: "unresolved placeholders: " + strings.Join(missing, ", "),
		}
	}
	return out, nil
}

func variableString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
