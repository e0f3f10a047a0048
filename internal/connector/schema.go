package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/toolgate/internal/registry"
)

// WithSchema validates arguments against a JSON Schema before calling next.
// The schema is compiled once. Validation belongs to the handler side; the
// dispatcher treats arguments as opaque.
func WithSchema(operation string, schema map[string]any, next registry.Handler) (registry.Handler, error) {
	sch, err := compileSchema(operation, schema)
	if err != nil {
		return nil, err
	}
	return registry.HandlerFunc(func(ctx context.Context, args registry.Arguments, dryRun bool) (any, error) {
		if err := sch.Validate(normalize(args)); err != nil {
			return nil, fmt.Errorf("invalid arguments: %v", err)
		}
		return next.Invoke(ctx, args, dryRun)
	}), nil
}

func compileSchema(operation string, schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees plain decoded values.
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("argument schema for %s: %w", operation, err)
	}
	schemaObj, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("argument schema for %s: %w", operation, err)
	}

	url := operation + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaObj); err != nil {
		return nil, fmt.Errorf("argument schema for %s: %w", operation, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("argument schema for %s: %w", operation, err)
	}
	return sch, nil
}

// normalize converts the argument bag into the plain JSON value shapes the
// validator understands.
func normalize(args registry.Arguments) any {
	if args == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return map[string]any(args)
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return map[string]any(args)
	}
	return v
}
