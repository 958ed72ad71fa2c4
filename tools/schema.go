package tools

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateInput validates a decoded JSON payload against the tool's declared
// input schema. A nil schema accepts any input. Schema compilation errors and
// validation failures are both returned as errors; callers feed them back to
// the model as error tool results rather than aborting the run.
func ValidateInput(tool Tool, input map[string]any) error {
	if tool.InputSchema == nil {
		return nil
	}
	schema, err := compileSchema(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", tool.Name, err)
	}
	// The compiler expects plain decoded JSON values; round-trip the input so
	// typed values (ints, structs) normalize the same way provider payloads do.
	normalized, err := normalizeJSON(input)
	if err != nil {
		return fmt.Errorf("tool %q input: %w", tool.Name, err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("tool %q input invalid: %w", tool.Name, err)
	}
	return nil
}

func compileSchema(doc any) (*jsonschema.Schema, error) {
	normalized, err := normalizeJSON(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalized); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// normalizeJSON round-trips a value through encoding/json so the result uses
// only the plain decoded JSON types the schema validator operates on.
func normalizeJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
