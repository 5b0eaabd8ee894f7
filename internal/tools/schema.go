package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaFor reflects a JSON schema for the parameter struct type T,
// inlined without $ref indirection so providers accept it as-is.
func SchemaFor[T any]() map[string]any {
	reflector := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""

	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	return out
}

// ValidateArgs checks a tool call's arguments against the tool's declared
// parameter schema. Empty arguments validate as an empty object.
func ValidateArgs(t Tool, args json.RawMessage) error {
	if len(t.Parameters) == 0 {
		return nil
	}
	schemaJSON, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s has invalid schema: %w", t.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("params.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("tool %s has invalid schema: %w", t.Name, err)
	}
	schema, err := compiler.Compile("params.json")
	if err != nil {
		return fmt.Errorf("tool %s has invalid schema: %w", t.Name, err)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}
