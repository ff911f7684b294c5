package toolrpc

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestNormalizeResult(t *testing.T) {
	type testCase struct {
		name string
		in   any
		want CallToolResult
	}

	testCases := []testCase{
		{
			name: "nil becomes empty content",
			in:   nil,
			want: CallToolResult{Content: []Content{}},
		},
		{
			name: "content sequence preserved in order",
			in: []Content{
				{Type: ContentTypeText, Text: "first"},
				{Type: ContentTypeText, Text: "second"},
			},
			want: CallToolResult{Content: []Content{
				{Type: ContentTypeText, Text: "first"},
				{Type: ContentTypeText, Text: "second"},
			}},
		},
		{
			name: "single content wrapped",
			in:   Content{Type: ContentTypeText, Text: "only"},
			want: CallToolResult{Content: []Content{{Type: ContentTypeText, Text: "only"}}},
		},
		{
			name: "nil content slice becomes empty",
			in:   []Content(nil),
			want: CallToolResult{Content: []Content{}},
		},
		{
			name: "result passed through",
			in: CallToolResult{
				Content: []Content{{Type: ContentTypeText, Text: "kept"}},
				IsError: true,
			},
			want: CallToolResult{
				Content: []Content{{Type: ContentTypeText, Text: "kept"}},
				IsError: true,
			},
		},
		{
			name: "result pointer passed through",
			in:   &CallToolResult{Content: []Content{{Type: ContentTypeText, Text: "ptr"}}},
			want: CallToolResult{Content: []Content{{Type: ContentTypeText, Text: "ptr"}}},
		},
		{
			name: "result with nil content normalized",
			in:   CallToolResult{},
			want: CallToolResult{Content: []Content{}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeResult(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestNormalizeResultMapping(t *testing.T) {
	in := map[string]any{
		"id":   42,
		"name": "John Doe",
	}

	got := NormalizeResult(in)

	if got.IsError {
		t.Fatalf("unexpected error result: %+v", got)
	}
	// The mapping lands verbatim, not a serialized copy.
	if !reflect.DeepEqual(got.StructuredContent, in) {
		t.Errorf("expected structured content %v, got %v", in, got.StructuredContent)
	}

	if len(got.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(got.Content))
	}
	if got.Content[0].Type != ContentTypeText {
		t.Errorf("expected text block, got %s", got.Content[0].Type)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(got.Content[0].Text), &decoded); err != nil {
		t.Fatalf("text block is not valid JSON: %v", err)
	}
	if decoded["id"] != float64(42) || decoded["name"] != "John Doe" {
		t.Errorf("unexpected serialized mapping: %v", decoded)
	}
}

func TestNormalizeResultUnsupportedType(t *testing.T) {
	got := NormalizeResult(42)

	if !got.IsError {
		t.Fatalf("expected error result for unsupported type, got %+v", got)
	}
	if len(got.Content) == 0 {
		t.Fatalf("expected error content")
	}
}

func TestNormalizeResultUnserializableMapping(t *testing.T) {
	got := NormalizeResult(map[string]any{"bad": make(chan int)})

	if !got.IsError {
		t.Fatalf("expected error result for unserializable mapping, got %+v", got)
	}
}

func TestTextResult(t *testing.T) {
	got := TextResult("hello")

	if got.IsError {
		t.Errorf("unexpected error result")
	}
	if len(got.Content) != 1 || got.Content[0].Text != "hello" {
		t.Errorf("unexpected content: %+v", got.Content)
	}
}

func TestErrorf(t *testing.T) {
	got := Errorf("tool %s failed", "echo")

	if !got.IsError {
		t.Errorf("expected error result")
	}
	if len(got.Content) != 1 || got.Content[0].Text != "tool echo failed" {
		t.Errorf("unexpected content: %+v", got.Content)
	}
}
