package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/standardbeagle/serial-mcp/internal/dispatch"
	"github.com/standardbeagle/serial-mcp/internal/fault"
)

// handlerFunc is a typed built-in handler.
type handlerFunc[In any] func(ctx context.Context, in In) (result, error)

// schemaOption adjusts a generated input schema.
type schemaOption func(*jsonschema.Schema)

// enum restricts a string property to values.
func enum(prop string, values ...string) schemaOption {
	return func(s *jsonschema.Schema) {
		if p, ok := s.Properties[prop]; ok {
			p.Enum = make([]any, len(values))
			for i, v := range values {
				p.Enum[i] = v
			}
		}
	}
}

// numberOrString lets a count property arrive as "10" as well as 10.
func numberOrString(prop string) schemaOption {
	return func(s *jsonschema.Schema) {
		if p, ok := s.Properties[prop]; ok {
			p.Type = ""
			p.Types = []string{"integer", "string"}
		}
	}
}

// define builds a dispatch tool whose input schema is derived from In. Calls
// are validated against the schema before decoding.
func define[In any](name, description string, fn handlerFunc[In], opts ...schemaOption) *dispatch.Tool {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		panic(fmt.Sprintf("tools: schema for %s: %v", name, err))
	}
	for _, opt := range opts {
		opt(schema)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("tools: resolve schema for %s: %v", name, err))
	}
	return &dispatch.Tool{
		Name:        name,
		Description: description,
		InputSchema: schemaMap(schema),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			in, err := decode[In](name, resolved, raw)
			if err != nil {
				return nil, err
			}
			return fn(ctx, in)
		},
	}
}

func schemaMap(s *jsonschema.Schema) map[string]any {
	data, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

func decode[In any](tool string, resolved *jsonschema.Resolved, raw json.RawMessage) (In, error) {
	var in In
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return in, fault.Wrap(fault.InvalidParams, err, "arguments for %s are not valid JSON", tool)
	}
	if err := resolved.Validate(generic); err != nil {
		return in, fault.Wrap(fault.InvalidParams, err, "invalid arguments for %s", tool)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fault.Wrap(fault.InvalidParams, err, "invalid arguments for %s", tool)
	}
	return in, nil
}

// count is an integer that also accepts a numeric string.
type count int

func (c *count) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%q is not an integer", s)
	}
	*c = count(n)
	return nil
}
