package toolrpc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func noProgress(float64, float64) {}

func TestToolRegistryRegister(t *testing.T) {
	r := NewToolRegistry()

	tool := ServerTool{
		Tool: Tool{Name: "echo"},
		Handler: func(context.Context, map[string]any, ProgressReporter) (any, error) {
			return nil, nil
		},
	}

	if err := r.Register(tool); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 tool, got %d", r.Len())
	}

	if err := r.Register(tool); err == nil {
		t.Errorf("expected duplicate registration to fail")
	}
	if err := r.Register(ServerTool{Tool: Tool{Name: "handlerless"}}); err == nil {
		t.Errorf("expected registration without handler to fail")
	}
	if err := r.Register(ServerTool{Handler: tool.Handler}); err == nil {
		t.Errorf("expected registration without name to fail")
	}

	got, ok := r.Get("echo")
	if !ok {
		t.Fatalf("expected to find echo")
	}
	if got.Tool.Name != "echo" {
		t.Errorf("expected echo, got %s", got.Tool.Name)
	}

	if _, ok := r.Get("missing"); ok {
		t.Errorf("expected missing tool to not be found")
	}
}

func TestToolRegistryList(t *testing.T) {
	r := NewToolRegistry()
	r.SetPageSize(2)

	names := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, name := range names {
		err := r.Register(ServerTool{
			Tool: Tool{Name: name},
			Handler: func(context.Context, map[string]any, ProgressReporter) (any, error) {
				return nil, nil
			},
		})
		if err != nil {
			t.Fatalf("failed to register %s: %v", name, err)
		}
	}

	var got []string
	cursor := ""
	for {
		page := r.List(cursor)
		for _, tool := range page.Tools {
			got = append(got, tool.Name)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	if len(got) != len(names) {
		t.Fatalf("expected %d tools, got %d", len(names), len(got))
	}
	// Listing follows registration order.
	for i, name := range names {
		if got[i] != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i])
		}
	}
}

func TestToolRegistryListBadCursor(t *testing.T) {
	r := NewToolRegistry()
	err := r.Register(ServerTool{
		Tool: Tool{Name: "only"},
		Handler: func(context.Context, map[string]any, ProgressReporter) (any, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	// An unparseable cursor falls back to the first page.
	page := r.List("not-a-cursor")
	if len(page.Tools) != 1 || page.Tools[0].Name != "only" {
		t.Errorf("expected first page, got %+v", page.Tools)
	}

	// An out-of-range cursor does too.
	page = r.List("999")
	if len(page.Tools) != 1 {
		t.Errorf("expected first page for out-of-range cursor, got %+v", page.Tools)
	}
}

type greetArgs struct {
	Name string `json:"name"`
}

type greeting struct {
	Message string `json:"message"`
}

func TestNewTool(t *testing.T) {
	tool := NewTool("greet", func(_ context.Context, args greetArgs) (any, error) {
		return TextResult("hello " + args.Name), nil
	}, WithToolDescription("Greets someone"))

	if tool.Tool.Name != "greet" {
		t.Errorf("expected name greet, got %s", tool.Tool.Name)
	}
	if tool.Tool.Description != "Greets someone" {
		t.Errorf("unexpected description: %s", tool.Tool.Description)
	}
	if len(tool.Tool.InputSchema) == 0 {
		t.Fatalf("expected a reflected input schema")
	}

	var schema map[string]any
	if err := json.Unmarshal(tool.Tool.InputSchema, &schema); err != nil {
		t.Fatalf("input schema is not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema["type"])
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["name"]; !ok {
		t.Errorf("expected schema to describe the name property, got %v", props)
	}

	v, err := tool.Handler(context.Background(), map[string]any{"name": "dev"}, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := NormalizeResult(v)
	if res.Content[0].Text != "hello dev" {
		t.Errorf("expected hello dev, got %s", res.Content[0].Text)
	}
}

func TestNewToolStrictArguments(t *testing.T) {
	tool := NewTool("greet", func(_ context.Context, args greetArgs) (any, error) {
		return TextResult(args.Name), nil
	})

	// Unknown fields are rejected by default, reported as a tool error.
	v, err := tool.Handler(context.Background(), map[string]any{"name": "dev", "extra": true}, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := NormalizeResult(v)
	if !res.IsError {
		t.Fatalf("expected argument rejection, got %+v", res)
	}
	if !strings.Contains(res.Content[0].Text, "invalid arguments") {
		t.Errorf("unexpected error text: %s", res.Content[0].Text)
	}

	lenient := NewTool("greet", func(_ context.Context, args greetArgs) (any, error) {
		return TextResult(args.Name), nil
	}, WithToolAllowUnknownFields())

	v, err = lenient.Handler(context.Background(), map[string]any{"name": "dev", "extra": true}, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res = NormalizeResult(v)
	if res.IsError {
		t.Fatalf("expected lenient decoding to succeed, got %+v", res.Content)
	}
}

func TestNewToolWithOutput(t *testing.T) {
	tool := NewToolWithOutput("greet", func(_ context.Context, args greetArgs) (greeting, error) {
		return greeting{Message: "hello " + args.Name}, nil
	})

	if len(tool.Tool.OutputSchema) == 0 {
		t.Fatalf("expected a reflected output schema")
	}

	v, err := tool.Handler(context.Background(), map[string]any{"name": "dev"}, noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := NormalizeResult(v)
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	if res.StructuredContent["message"] != "hello dev" {
		t.Errorf("expected structured message, got %v", res.StructuredContent)
	}
}

func TestNewToolWithOutputHandlerError(t *testing.T) {
	tool := NewToolWithOutput("greet", func(context.Context, greetArgs) (greeting, error) {
		return greeting{}, context.DeadlineExceeded
	})

	_, err := tool.Handler(context.Background(), nil, noProgress)
	if err == nil {
		t.Fatalf("expected handler error to propagate")
	}
}
