package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is the calling side of a session. It manages the connection
// lifecycle, negotiates capabilities with the server, correlates responses
// with the requests that triggered them, and provides access to the server's
// tools.
//
// A Client must be created using NewClient() and requires Connect() to be
// called before any operations can be performed. The client should be
// properly closed using Close() when it's no longer needed.
type Client struct {
	info               Info
	capabilities       ClientCapabilities
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	transport          ClientTransport

	toolListWatcher  ToolListWatcher
	progressListener ProgressListener
	logReceiver      LogReceiver

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	logger *slog.Logger

	session  Session
	pending  *pendingRequests
	hs       *handshake
	stopOnce sync.Once

	// closed is signalled when the receive loop exits, which happens when
	// either side stops the session.
	closed chan struct{}
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientReadTimeout  = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout sets the read timeout for the client. A request
// without a response within this window fails with ErrRequestTimeout.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping timeouts exceeds the threshold, the client will close the session.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "toolrpc"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new client with the specified configuration. The info
// parameter identifies this client to servers; the transport defines how the
// client reaches the server.
//
// The client is not connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		hs:        &handshake{},
		closed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	c.pending = newPendingRequests(c.logger)
	c.capabilities = ClientCapabilities{}

	return c
}

// Connect establishes a session with the server and performs the
// initialization handshake. It verifies protocol version compatibility,
// records the server's advertised capabilities, and starts the background
// routines for message dispatch and liveness pings.
//
// Connect must be called before any other client method. It returns an error
// if the session cannot be established or if the handshake fails.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	// The receive loop starts before the first request goes out, so the
	// initialize response has somewhere to land.
	go c.listen()

	if !c.hs.advance(phaseUninitialized, phaseInitializing) {
		return fmt.Errorf("connect called twice")
	}

	if err := c.initialize(ctx); err != nil {
		c.hs.Close()
		c.stop()
		return err
	}

	if !c.hs.advance(phaseInitializing, phaseReady) {
		return ErrSessionClosed
	}

	go c.pingLoop()

	return nil
}

// ListTools retrieves a paginated list of available tools from the server.
//
// The request can be cancelled via the context. When cancelled, a
// cancellation notification is sent to the server to stop processing.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.hs.Ready() {
		return ListToolsResult{}, ErrNotInitialized
	}

	res, err := c.call(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	return result, nil
}

// CallTool invokes a tool by name and returns its result. A failure of the
// tool itself is reported through CallToolResult.IsError with a nil error; a
// non-nil error means the request did not complete at the protocol level.
//
// The request can be cancelled via the context. When cancelled, a
// cancellation notification is sent to the server to stop processing.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.hs.Ready() {
		return CallToolResult{}, ErrNotInitialized
	}

	res, err := c.call(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

// Ping checks that the server is alive.
func (c *Client) Ping(ctx context.Context) error {
	if !c.hs.Ready() {
		return ErrNotInitialized
	}

	_, err := c.call(ctx, methodPing, nil)
	return err
}

// SetLogLevel configures the minimum severity of log messages the server
// pushes to this client.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if !c.hs.Ready() {
		return ErrNotInitialized
	}
	if c.serverCapabilities.Logging == nil {
		return fmt.Errorf("logging not supported by server")
	}

	_, err := c.call(ctx, MethodLoggingSetLevel, LogParams{Level: level})
	return err
}

// ServerInfo returns the server's info, available after Connect.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during
// the handshake.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Instructions returns the usage instructions the server handed over during
// the handshake, if any.
func (c *Client) Instructions() string {
	return c.instructions
}

// Close stops the session and waits for the receive loop to drain. Calls
// outstanding at that point fail with ErrSessionClosed.
func (c *Client) Close() {
	if c.session == nil {
		return
	}
	c.stop()
	<-c.closed
}

// stop closes the session exactly once regardless of which lifecycle path
// gets there first.
func (c *Client) stop() {
	c.stopOnce.Do(c.session.Stop)
}

func (c *Client) initialize(ctx context.Context) error {
	paramsBs, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := c.send(ctx, Message{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}

	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions

	wCtx, wCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer wCancel()

	if err := c.session.Send(wCtx, Message{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// call sends a request after the handshake completed.
func (c *Client) call(ctx context.Context, method string, params any) (Message, error) {
	msg := Message{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	return c.send(ctx, msg)
}

// send transmits a request and waits for its response. Exactly one of the
// outcomes resolves the wait: the matching response from the server, a local
// timeout, caller cancellation, or session closure.
func (c *Client) send(ctx context.Context, msg Message) (Message, error) {
	msg.ID = c.pending.Allocate()
	slot := c.pending.Register(msg.ID)

	wCtx, wCancel := context.WithTimeout(ctx, c.writeTimeout)
	err := c.session.Send(wCtx, msg)
	wCancel()
	if err != nil {
		c.pending.Cancel(msg.ID)
		return Message{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case res := <-slot:
		if res.err != nil {
			return Message{}, res.err
		}
		if res.msg.Error != nil {
			return Message{}, fmt.Errorf("result error: %w", res.msg.Error)
		}
		return res.msg, nil
	case <-ctx.Done():
		c.notifyCancelled(msg.ID)
		c.pending.Cancel(msg.ID)
		return Message{}, ctx.Err()
	case <-time.After(c.readTimeout):
		c.notifyCancelled(msg.ID)
		c.pending.Cancel(msg.ID)
		return Message{}, ErrRequestTimeout
	}
}

// notifyCancelled tells the server to stop processing an abandoned request.
// Best effort; the local wait is already resolved either way.
func (c *Client) notifyCancelled(id RequestID) {
	paramsBs, err := json.Marshal(cancelledParams{
		RequestID: id,
		Reason:    userCancelledReason,
	})
	if err != nil {
		c.logger.Error("failed to marshal cancelled params", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	if err := c.session.Send(ctx, Message{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsCancelled,
		Params:  paramsBs,
	}); err != nil {
		c.logger.Error("failed to send cancellation", "err", err)
	}
}

func (c *Client) listen() {
	for msg := range c.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			c.logger.Error("invalid jsonrpc version", slog.String("version", msg.JSONRPC))
			continue
		}

		switch msg.Method {
		case methodPing:
			go func(msgID RequestID) {
				ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
				defer cancel()
				if err := c.session.Send(ctx, Message{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					c.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			}(msg.ID)
		case methodNotificationsToolsListChanged:
			if c.toolListWatcher != nil {
				c.toolListWatcher.OnToolListChanged()
			}
		case methodNotificationsProgress:
			if c.progressListener == nil {
				continue
			}
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", "err", err)
				continue
			}
			c.progressListener.OnProgress(params)
		case methodNotificationsMessage:
			if c.logReceiver == nil {
				continue
			}
			var params LogParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal log params", "err", err)
				continue
			}
			c.logReceiver.OnLog(params)
		case "":
			// A response; the tracker matches it to its request, logs and
			// drops anything stray or duplicate.
			c.pending.Resolve(msg.ID, msg)
		default:
			c.logger.Info("ignoring unsupported method from server",
				slog.String("method", msg.Method))
		}
	}

	// The session is gone; resolve every outstanding wait and mark the
	// handshake terminal so later calls fail fast.
	c.pending.FailAll(ErrSessionClosed)
	c.hs.Close()
	close(c.closed)
}

func (c *Client) pingLoop() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()
	failedPings := 0

	for {
		select {
		case <-c.closed:
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.readTimeout)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, ErrSessionClosed) {
				return
			}
			c.logger.Warn("failed to ping server", slog.String("err", err.Error()))
			failedPings++
			if failedPings > c.pingTimeoutThreshold {
				c.logger.Warn("too many pings failed, closing session")
				c.stop()
				return
			}
			continue
		}
		failedPings = 0
	}
}
