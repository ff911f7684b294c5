// Package toolcheck adds JSON Schema validation on top of a tool. The core
// invocation pipeline deliberately never validates arguments or results
// against the schemas a tool declares; wrapping a tool with this package is
// how a server opts in.
package toolcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MegaGrindStone/go-toolrpc"
)

// Wrap compiles the tool's declared schemas and returns a tool whose handler
// rejects calls with arguments that do not satisfy the input schema, and
// reports results whose structured content does not satisfy the output
// schema. Both rejections surface as tool errors, not protocol errors.
//
// A tool without an input schema accepts any arguments; a tool without an
// output schema has its results passed through untouched.
func Wrap(t toolrpc.ServerTool) (toolrpc.ServerTool, error) {
	var inputSchema, outputSchema *jsonschema.Schema
	var err error

	if len(t.Tool.InputSchema) > 0 {
		inputSchema, err = compile(t.Tool.Name+"/input", t.Tool.InputSchema)
		if err != nil {
			return toolrpc.ServerTool{}, fmt.Errorf("failed to compile input schema: %w", err)
		}
	}
	if len(t.Tool.OutputSchema) > 0 {
		outputSchema, err = compile(t.Tool.Name+"/output", t.Tool.OutputSchema)
		if err != nil {
			return toolrpc.ServerTool{}, fmt.Errorf("failed to compile output schema: %w", err)
		}
	}

	inner := t.Handler
	t.Handler = func(ctx context.Context, args map[string]any, progress toolrpc.ProgressReporter) (any, error) {
		if inputSchema != nil {
			if err := inputSchema.Validate(normalize(args)); err != nil {
				return toolrpc.Errorf("invalid arguments: %v", err), nil
			}
		}

		v, err := inner(ctx, args, progress)
		if err != nil {
			return nil, err
		}

		result := toolrpc.NormalizeResult(v)
		if outputSchema != nil && !result.IsError && result.StructuredContent != nil {
			if err := outputSchema.Validate(normalize(result.StructuredContent)); err != nil {
				return toolrpc.Errorf("invalid structured content: %v", err), nil
			}
		}
		return result, nil
	}

	return t, nil
}

// MustWrap is like Wrap but panics when a schema does not compile. Intended
// for tool tables built at startup.
func MustWrap(t toolrpc.ServerTool) toolrpc.ServerTool {
	wrapped, err := Wrap(t)
	if err != nil {
		panic(err)
	}
	return wrapped
}

func compile(name string, schema []byte) (*jsonschema.Schema, error) {
	url := "inline://" + name + ".json"

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalize round-trips a value through JSON so the validator only ever sees
// JSON-native types. Structured content assembled in Go may carry ints or
// structs that the validator would otherwise misjudge.
func normalize(v any) any {
	bs, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(bs, &out); err != nil {
		return v
	}
	return out
}
