package toolrpc

import (
	"encoding/json"
	"fmt"
)

// NormalizeResult converts a tool handler's return value into a wire-level
// CallToolResult. The policy is a small closed table:
//
//   - nil                      -> empty content, no structured content
//   - []Content                -> that sequence, order preserved
//   - Content                  -> a single-block sequence
//   - map[string]any           -> one text block holding the JSON serialization
//     of the mapping, plus the mapping itself as
//     structured content, verbatim
//   - CallToolResult (or ptr)  -> passed through unchanged
//
// The mapping is never pruned or reshaped, even when it would not satisfy a
// declared output schema; validation is a separate layer. Any other type is
// reported as a tool error, as is a mapping that cannot be serialized.
func NormalizeResult(v any) CallToolResult {
	switch v := v.(type) {
	case nil:
		return CallToolResult{Content: []Content{}}
	case []Content:
		if v == nil {
			v = []Content{}
		}
		return CallToolResult{Content: v}
	case Content:
		return CallToolResult{Content: []Content{v}}
	case map[string]any:
		bs, err := json.Marshal(v)
		if err != nil {
			return Errorf("failed to serialize structured result: %v", err)
		}
		return CallToolResult{
			Content:           []Content{{Type: ContentTypeText, Text: string(bs)}},
			StructuredContent: v,
		}
	case CallToolResult:
		if v.Content == nil {
			v.Content = []Content{}
		}
		return v
	case *CallToolResult:
		if v == nil {
			return CallToolResult{Content: []Content{}}
		}
		return NormalizeResult(*v)
	default:
		return Errorf("unsupported tool result type %T", v)
	}
}

// TextResult builds a successful CallToolResult with a single text block.
func TextResult(text string) CallToolResult {
	return CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: text}},
	}
}

// Errorf builds a tool-error CallToolResult with a single text block holding
// the formatted message.
func Errorf(format string, a ...any) CallToolResult {
	return CallToolResult{
		Content: []Content{{Type: ContentTypeText, Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}
