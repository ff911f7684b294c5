package toolrpc

import (
	"encoding/json"
	"fmt"
	"math"
)

// RequestID identifies a request-response pair within one direction of a
// session. The wire permits either a string or a number; it is normalized to
// a string during unmarshaling so it can be used as a map key.
type RequestID string

// Message is the method-agnostic envelope exchanged over a session. Which
// fields are populated determines the message kind:
//   - Request: ID, Method and Params are set
//   - Response: ID and either Result or Error are set, Method is empty
//   - Notification: Method is set, ID is absent
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates a response with the request that triggered it.
	ID RequestID `json:"id,omitempty"`
	// Method names the operation for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params carries the operation parameters as raw JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Result carries the successful response payload as raw JSON.
	Result json.RawMessage `json:"result,omitempty"`
	// Error carries error details if the request failed at the protocol level.
	Error *Error `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object. It is only used for protocol-level
// failures; a tool that fails reports through CallToolResult.IsError instead.
type Error struct {
	// Code indicates the error type using standard JSON-RPC error codes.
	Code int `json:"code"`
	// Message is a short description of the error.
	Message string `json:"message"`
	// Data carries optional unstructured details.
	Data map[string]any `json:"data,omitempty"`
}

// Info identifies a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises what a server supports, established during
// the initialize handshake.
type ServerCapabilities struct {
	Tools   *ToolsCapability   `json:"tools,omitempty"`
	Logging *LoggingCapability `json:"logging,omitempty"`
}

// ToolsCapability describes the server's tool surface.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability marks that the server streams log messages.
type LoggingCapability struct{}

// ClientCapabilities advertises what a client supports. Currently empty on
// the wire but kept as a struct so the handshake shape is stable.
type ClientCapabilities struct{}

// Tool describes a callable tool registered on a server. InputSchema and
// OutputSchema are advertised verbatim to clients; this layer never validates
// calls or results against them.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	// OutputSchema, when present, documents the shape of
	// CallToolResult.StructuredContent. Documentation only.
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ContentType discriminates the Content variants.
type ContentType string

// Content variants.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// Content is one unit of tool output. The Type field selects which of the
// remaining fields are meaningful.
type Content struct {
	Type ContentType `json:"type"`

	// For ContentTypeText.
	Text string `json:"text,omitempty"`

	// For ContentTypeImage or ContentTypeAudio.
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	// For ContentTypeResource.
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ResourceContents represents embedded resource content, either text or blob.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from a previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`

	// Meta carries optional metadata such as a progress token.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult is a paginated list of tools. NextCursor, when non-empty,
// retrieves the next page.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for invoking a tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to invoke.
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta carries optional metadata such as a progress token.
	Meta ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult is the outcome of a tool invocation. Content is always
// present, possibly empty. StructuredContent is populated only when the
// handler returned a mapping-shaped value, and is carried verbatim whether or
// not it would satisfy a declared output schema. IsError reports that the
// tool itself failed; the RPC carrying it still succeeded.
type CallToolResult struct {
	Content           []Content      `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError"`
}

// ParamsMeta carries optional request metadata.
type ParamsMeta struct {
	// ProgressToken, when set, asks the serving side to emit progress
	// notifications tagged with this token while the request is in flight.
	ProgressToken RequestID `json:"progressToken,omitempty"`
}

// ProgressParams reports progress of a long-running request.
type ProgressParams struct {
	ProgressToken RequestID `json:"progressToken"`
	Progress      float64   `json:"progress"`
	// Total is the expected final value when known.
	Total float64 `json:"total,omitempty"`
}

// LogLevel is the severity of a log message notification.
type LogLevel int

// Log levels, ordered from least to most severe.
const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelNotice
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelAlert
	LogLevelEmergency
)

// LogParams is the payload of a log message notification, and doubles as the
// parameter of logging/setLevel requests.
type LogParams struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type cancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

const (
	// JSONRPCVersion is the JSON-RPC protocol version used on the wire.
	JSONRPCVersion = "2.0"

	// MethodToolsList retrieves the list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall invokes a specific tool.
	MethodToolsCall = "tools/call"
	// MethodLoggingSetLevel sets the minimum severity for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized      = "notifications/initialized"
	methodNotificationsCancelled        = "notifications/cancelled"
	methodNotificationsProgress         = "notifications/progress"
	methodNotificationsMessage          = "notifications/message"
	methodNotificationsToolsListChanged = "notifications/tools/list_changed"

	protocolVersion = "2025-03-26"

	userCancelledReason = "caller requested cancellation"

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelNotice:
		return "notice"
	case LogLevelWarning:
		return "warning"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	case LogLevelAlert:
		return "alert"
	case LogLevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// UnmarshalJSON accepts both string and numeric ids, normalizing to a string.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*r = RequestID(v)
	case float64:
		if v != math.Trunc(v) {
			return fmt.Errorf("invalid request id: non-integer number %v", v)
		}
		*r = RequestID(fmt.Sprintf("%d", int64(v)))
	default:
		return fmt.Errorf("invalid request id type: %T", v)
	}

	return nil
}

// MarshalJSON always encodes the id as a string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

func (e Error) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}
