package extension

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/standardbeagle/serial-mcp/internal/fault"
)

var schemaCache sync.Map

// compileSchema compiles a tool input schema. An empty schema accepts any
// object.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		schema = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateArgs checks decoded call arguments against schema.
func validateArgs(tool string, schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	// Round-trip so numbers and nested values have the shapes the validator
	// expects.
	payload, err := json.Marshal(args)
	if err != nil {
		return fault.Wrap(fault.InvalidParams, err, "encode arguments for %s", tool)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fault.Wrap(fault.InvalidParams, err, "decode arguments for %s", tool)
	}
	if err := schema.Validate(decoded); err != nil {
		return fault.Wrap(fault.InvalidParams, err, "invalid arguments for %s", tool)
	}
	return nil
}
