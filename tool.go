package toolrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/invopop/jsonschema"
)

// ToolHandler executes one tool invocation. It receives the call arguments
// as a decoded JSON object and may return, in any mix per call:
//
//   - a []Content (or single Content) sequence of content blocks
//   - a map[string]any carrying machine-readable structured output
//   - a CallToolResult built directly
//   - an error, surfaced to the caller as an IsError result
//
// This layer never validates args against the tool's input schema nor the
// return value against its output schema.
type ToolHandler func(ctx context.Context, args map[string]any, progress ProgressReporter) (any, error)

// ServerTool pairs a tool descriptor with its handler.
type ServerTool struct {
	Tool    Tool
	Handler ToolHandler
}

// ToolRegistry owns the set of tools a server exposes. It is populated at
// server setup and read-mostly afterwards; many in-flight calls may look up
// handlers concurrently while the occasional Register takes the write lock.
type ToolRegistry struct {
	mu       sync.RWMutex
	names    []string
	tools    map[string]ServerTool
	pageSize int
}

const defaultToolPageSize = 50

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:    make(map[string]ServerTool),
		pageSize: defaultToolPageSize,
	}
}

// Register adds a tool. Names are unique within a registry; registering a
// duplicate or a tool without a handler is an error.
func (r *ToolRegistry) Register(t ServerTool) error {
	if t.Tool.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Tool.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Tool.Name)
	}
	r.tools[t.Tool.Name] = t
	r.names = append(r.names, t.Tool.Name)
	return nil
}

// Get looks up a tool by name.
func (r *ToolRegistry) Get(name string) (ServerTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	return t, ok
}

// Len reports the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.names)
}

// SetPageSize sets the page size used by List. Non-positive values are
// ignored.
func (r *ToolRegistry) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.pageSize = n
	r.mu.Unlock()
}

// List returns one page of tool descriptors in registration order. An empty
// cursor requests the first page; an unparseable cursor is treated the same.
func (r *ToolRegistry) List(cursor string) ListToolsResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 && n <= len(r.names) {
			start = n
		}
	}

	end := start + r.pageSize
	if end > len(r.names) {
		end = len(r.names)
	}

	tools := make([]Tool, 0, end-start)
	for _, name := range r.names[start:end] {
		tools = append(tools, r.tools[name].Tool)
	}

	result := ListToolsResult{Tools: tools}
	if end < len(r.names) {
		result.NextCursor = strconv.Itoa(end)
	}
	return result
}

// ToolOption configures typed tool construction.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description        string
	allowUnknownFields bool
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowUnknownFields makes argument decoding tolerate fields that the
// argument struct does not declare. The default is strict decoding.
func WithToolAllowUnknownFields() ToolOption {
	return func(c *toolConfig) { c.allowUnknownFields = true }
}

// NewTool builds a ServerTool from a typed argument struct. The input schema
// is reflected from A; the handler decodes the call arguments into A before
// invoking fn, reporting decode failures as tool errors. fn's return value
// goes through the usual result normalization.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (any, error), opts ...ToolOption) ServerTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return ServerTool{
		Tool: Tool{
			Name:        name,
			Description: cfg.description,
			InputSchema: reflectSchema[A](),
		},
		Handler: typedHandler[A](cfg, func(ctx context.Context, args A) (any, error) {
			return fn(ctx, args)
		}),
	}
}

// NewToolWithOutput builds a ServerTool with a typed argument struct and a
// typed output struct. The output schema is reflected from O and advertised
// on the descriptor; the handler serializes fn's return value into a mapping
// so it lands in StructuredContent. The advertised schema is documentation
// only; nothing here checks the value against it.
func NewToolWithOutput[A, O any](
	name string,
	fn func(ctx context.Context, args A) (O, error),
	opts ...ToolOption,
) ServerTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	return ServerTool{
		Tool: Tool{
			Name:         name,
			Description:  cfg.description,
			InputSchema:  reflectSchema[A](),
			OutputSchema: reflectSchema[O](),
		},
		Handler: typedHandler[A](cfg, func(ctx context.Context, args A) (any, error) {
			out, err := fn(ctx, args)
			if err != nil {
				return nil, err
			}

			bs, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize output: %w", err)
			}
			var m map[string]any
			if err := json.Unmarshal(bs, &m); err != nil {
				return nil, fmt.Errorf("output is not an object: %w", err)
			}
			return m, nil
		}),
	}
}

func typedHandler[A any](cfg toolConfig, fn func(ctx context.Context, args A) (any, error)) ToolHandler {
	return func(ctx context.Context, args map[string]any, _ ProgressReporter) (any, error) {
		var a A
		if len(args) > 0 {
			bs, err := json.Marshal(args)
			if err != nil {
				return Errorf("invalid arguments: %v", err), nil
			}
			if cfg.allowUnknownFields {
				if err := json.Unmarshal(bs, &a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(bs))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, a)
	}
}

// reflectSchema reflects a Go type into an inline JSON schema document.
func reflectSchema[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(T))
	bs, err := json.Marshal(s)
	if err != nil {
		// jsonschema.Schema always marshals; guard anyway.
		return json.RawMessage(`{"type":"object"}`)
	}
	return bs
}
