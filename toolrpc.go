package toolrpc

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they
	// are initiated. Each yielded Session represents a unique client
	// connection; the implementation must guarantee that session IDs are
	// unique across all active connections.
	//
	// The iteration exits when Shutdown is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the transport and releases its
	// resources. Implementations should not stop the Sessions they produced;
	// the caller does that before calling this method. The caller is
	// guaranteed to call Shutdown only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer.
type ClientTransport interface {
	// StartSession connects to the server and returns the session once the
	// transport is ready to carry messages. Operations are canceled when the
	// context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session is one half of a bidirectional conversation: an ordered outbound
// stream and an ordered inbound stream of messages.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the peer. It may suspend under transport
	// backpressure until the peer drains its inbound stream, and returns an
	// error if the session closes first.
	Send(ctx context.Context, msg Message) error

	// Messages returns an iterator that yields messages received from the
	// peer in send order. The iteration exits when the session is closed by
	// either side; it never hangs past closure.
	Messages() iter.Seq[Message]

	// Stop closes the session. The caller is guaranteed to call this method
	// once; implementations should not call it themselves.
	Stop()
}

// ToolListUpdater signals that the set of registered tools changed. The
// server forwards each signal to connected clients as a
// tools/list_changed notification. Only the signal matters, not the value.
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// LogHandler streams log messages from the server to connected clients.
type LogHandler interface {
	// LogStreams returns an iterator that emits log messages with metadata.
	LogStreams() iter.Seq[LogParams]

	// SetLogLevel configures the minimum severity level for emitted log
	// messages. Messages below this level are filtered out.
	SetLogLevel(level LogLevel)
}

// ToolListWatcher receives notifications when the server's tool list changes.
// Clients can refresh their cached tool lists by calling ListTools again.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ProgressListener receives progress updates for in-flight requests that
// carried a progress token.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver receives log messages pushed by the server.
type LogReceiver interface {
	OnLog(params LogParams)
}

// ProgressReporter is handed to tool handlers so they can report progress of
// long-running invocations. When the caller supplied no progress token, the
// reporter is still safe to call and does nothing.
type ProgressReporter func(progress float64, total float64)
