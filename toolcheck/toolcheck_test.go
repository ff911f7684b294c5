package toolcheck_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-toolrpc"
	"github.com/MegaGrindStone/go-toolrpc/toolcheck"
)

func noProgress(float64, float64) {}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

type addOutput struct {
	Sum int `json:"sum"`
}

func TestWrapValidArguments(t *testing.T) {
	wrapped, err := toolcheck.Wrap(toolrpc.NewTool("add", func(_ context.Context, args addArgs) (any, error) {
		return map[string]any{"sum": args.A + args.B}, nil
	}))
	if err != nil {
		t.Fatalf("failed to wrap tool: %v", err)
	}

	v, err := wrapped.Handler(context.Background(), map[string]any{"a": 2, "b": 3}, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := toolrpc.NormalizeResult(v)
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	if res.StructuredContent["sum"] != 5 {
		t.Errorf("expected sum 5, got %v", res.StructuredContent["sum"])
	}
}

func TestWrapInvalidArguments(t *testing.T) {
	wrapped, err := toolcheck.Wrap(toolrpc.NewTool("add", func(_ context.Context, args addArgs) (any, error) {
		return map[string]any{"sum": args.A + args.B}, nil
	}))
	if err != nil {
		t.Fatalf("failed to wrap tool: %v", err)
	}

	v, err := wrapped.Handler(context.Background(), map[string]any{"a": "two", "b": 3}, noProgress)
	if err != nil {
		t.Fatalf("expected a tool error result, got error: %v", err)
	}

	res := toolrpc.NormalizeResult(v)
	if !res.IsError {
		t.Fatalf("expected validation to reject arguments")
	}
	if !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Errorf("unexpected error text: %s", res.Content[0].Text)
	}
}

func TestWrapInvalidStructuredContent(t *testing.T) {
	tool := toolrpc.NewTool("add", func(context.Context, addArgs) (any, error) {
		return map[string]any{"sum": "not a number"}, nil
	})
	tool.Tool.OutputSchema = sumSchema(t)

	wrapped, err := toolcheck.Wrap(tool)
	if err != nil {
		t.Fatalf("failed to wrap tool: %v", err)
	}

	v, err := wrapped.Handler(context.Background(), map[string]any{"a": 1, "b": 2}, noProgress)
	if err != nil {
		t.Fatalf("expected a tool error result, got error: %v", err)
	}

	res := toolrpc.NormalizeResult(v)
	if !res.IsError {
		t.Fatalf("expected validation to reject the result")
	}
	if !strings.Contains(res.Content[0].Text, "invalid structured content") {
		t.Errorf("unexpected error text: %s", res.Content[0].Text)
	}
}

func TestWrapNoSchemas(t *testing.T) {
	raw := toolrpc.ServerTool{
		Tool: toolrpc.Tool{Name: "anything"},
		Handler: func(_ context.Context, args map[string]any, _ toolrpc.ProgressReporter) (any, error) {
			return toolrpc.TextResult("ok"), nil
		},
	}

	wrapped, err := toolcheck.Wrap(raw)
	if err != nil {
		t.Fatalf("failed to wrap tool: %v", err)
	}

	v, err := wrapped.Handler(context.Background(), map[string]any{"whatever": true}, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := toolrpc.NormalizeResult(v)
	if res.IsError || res.Content[0].Text != "ok" {
		t.Errorf("expected passthrough, got %+v", res)
	}
}

func TestWrapErrorResultSkipsOutputValidation(t *testing.T) {
	tool := toolrpc.NewToolWithOutput("add", func(context.Context, addArgs) (addOutput, error) {
		return addOutput{}, nil
	})
	tool.Handler = func(context.Context, map[string]any, toolrpc.ProgressReporter) (any, error) {
		return toolrpc.Errorf("backend unavailable"), nil
	}

	wrapped, err := toolcheck.Wrap(tool)
	if err != nil {
		t.Fatalf("failed to wrap tool: %v", err)
	}

	v, err := wrapped.Handler(context.Background(), map[string]any{"a": 1, "b": 2}, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := toolrpc.NormalizeResult(v)
	if !res.IsError {
		t.Fatalf("expected the original error result")
	}
	if res.Content[0].Text != "backend unavailable" {
		t.Errorf("expected the original error text, got %s", res.Content[0].Text)
	}
}

func TestWrapBadSchema(t *testing.T) {
	broken := toolrpc.ServerTool{
		Tool: toolrpc.Tool{
			Name:        "broken",
			InputSchema: json.RawMessage(`{"type": 42}`),
		},
		Handler: func(context.Context, map[string]any, toolrpc.ProgressReporter) (any, error) {
			return nil, nil
		},
	}

	if _, err := toolcheck.Wrap(broken); err == nil {
		t.Errorf("expected compile error")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("expected MustWrap to panic")
		}
	}()
	toolcheck.MustWrap(broken)
}

func sumSchema(t *testing.T) json.RawMessage {
	t.Helper()
	bs, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sum": map[string]any{"type": "integer"},
		},
		"required": []string{"sum"},
	})
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}
	return bs
}
