package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server exposes a tool registry to remote callers over a session transport.
// It manages the connection lifecycle, negotiates capabilities with each
// client, and runs the tool invocation pipeline for every session.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport

	registry *ToolRegistry

	toolListUpdater ToolListUpdater
	logHandler      LogHandler

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup

	listeners       *errgroup.Group
	listenersClosed chan struct{}
	done            chan struct{}
}

type serverSession struct {
	session Session
	logger  *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	registry   *ToolRegistry
	logHandler LogHandler
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a new server exposing the given tool registry over the
// given transport.
func NewServer(info Info, transport ServerTransport, registry *ToolRegistry, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		listeners:         &errgroup.Group{},
		listenersClosed:   make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	// The advertised capabilities follow from what was wired in.

	s.capabilities = ServerCapabilities{
		Tools: &ToolsCapability{},
	}
	if s.toolListUpdater != nil {
		s.capabilities.Tools.ListChanged = true
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that configures the server
// instructions handed to clients during the handshake.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping timeouts exceeds the threshold, the server will close the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout returns a ServerOption that configures the server's send timeout.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID of the session and the server's Info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the session.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "toolrpc"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the server and manages its lifecycle. It accepts client
// sessions from the transport, runs the handshake and the tool invocation
// pipeline for each, and fans broadcast notifications out to every active
// session.
//
// Serve blocks until the server is shut down.
func (s Server) Serve() {
	broadcasts := make(chan Message, 10)

	if s.toolListUpdater != nil {
		s.listeners.Go(func() error {
			return s.listenToolListUpdates(broadcasts)
		})
	}
	if s.logHandler != nil {
		s.listeners.Go(func() error {
			return s.listenLogs(broadcasts)
		})
	}
	go func() {
		// The listener loops never return errors; the group is for joining.
		_ = s.listeners.Wait()
		close(s.listenersClosed)
	}()

	s.start(broadcasts)
}

// Shutdown gracefully shuts down the server by terminating all active sessions
// and cleaning up resources. It returns an error if the shutdown process fails
// or if the context is cancelled before the shutdown completes.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminate all sessions.
	close(s.done)

	// Wait for all sessions to finish.
	s.sessionsWaitGroup.Wait()

	// Close the transport so the Sessions loop in the start function breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close update listeners: %w", ctx.Err())
	case <-s.listenersClosed:
	}

	return nil
}

func (s Server) start(broadcasts <-chan Message) {
	// These channels keep the broadcaster's session map in sync with the
	// sessions the loop below spawns and reaps.
	sessions := make(chan serverSession, 5)
	removedSessions := make(chan string, 5)

	go s.broadcast(broadcasts, sessions, removedSessions)

	// This loop breaks when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:              sess,
			logger:               s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:            s.capabilities,
			serverInfo:           s.info,
			instructions:         s.instructions,
			pingInterval:         s.pingInterval,
			pingTimeout:          s.pingTimeout,
			pingTimeoutThreshold: s.pingTimeoutThreshold,
			sendTimeout:          s.sendTimeout,
			registry:             s.registry,
			logHandler:           s.logHandler,
		}
		// Updates the broadcaster about new sessions.
		sessions <- ss

		s.sessionsWaitGroup.Add(1)

		// This session closes itself when the client fails to initialize or
		// when consecutive pings fail beyond threshold.
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID(), ss.serverInfo)
			}

			ss.run(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}

			// Notify the broadcaster about removed sessions.
			select {
			case <-s.done:
			case removedSessions <- ss.session.ID():
			}
		}()
	}
}

func (s Server) broadcast(messages <-chan Message, sessions <-chan serverSession, removedSession <-chan string) {
	// Store all active sessions in a map for easy lookup.
	sessMap := make(map[string]serverSession)

	for {
		select {
		case <-s.done:
			return
		case sess := <-sessions:
			sessMap[sess.session.ID()] = sess
		case sessID := <-removedSession:
			delete(sessMap, sessID)
		case msg := <-messages:
			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			// Broadcast the message to all active sessions.
			for _, sess := range sessMap {
				if err := sess.session.Send(ctx, msg); err != nil {
					sess.logger.Error("failed to send message",
						slog.Any("message", msg),
						slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (s Server) listenToolListUpdates(messages chan<- Message) error {
	for range s.toolListUpdater.ToolListUpdates() {
		msg := Message{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsToolsListChanged,
		}
		select {
		case <-s.done:
			return nil
		case messages <- msg:
		}
	}
	return nil
}

func (s Server) listenLogs(messages chan<- Message) error {
	for params := range s.logHandler.LogStreams() {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal log params", "err", err)
			continue
		}
		msg := Message{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsMessage,
			Params:  paramsBs,
		}
		select {
		case <-s.done:
			return nil
		case messages <- msg:
		}
	}
	return nil
}

func (s serverSession) run(done <-chan struct{}) {
	// Tracker for the requests this side initiates. On the server that is
	// only the liveness pings, but misdirected or duplicate client responses
	// also funnel through it so they are logged and dropped in one place.
	pending := newPendingRequests(s.logger)
	// The negotiation state machine for this session. Until it reaches the
	// ready phase, only initialize and ping requests are served; everything
	// else is rejected.
	hs := &handshake{}
	// Spawn a goroutine to handle the session's lifetime with ping.
	pingStopped := make(chan struct{})
	go s.ping(pending, done, pingStopped)
	// Cancellation handles for in-flight client requests, so a
	// notifications/cancelled can reach the matching handler context.
	// Handler goroutines delete their own entry when they finish.
	var cancelMu sync.Mutex
	ctxCancels := make(map[RequestID]context.CancelFunc)
	// This base context makes sure all the operations in the loop below are
	// cancelled when the loop is broken.
	baseCtx, baseCancel := context.WithCancel(context.Background())

	// This loop breaks when the session is closed.
	for msg := range s.session.Messages() {
		// Validate the JSON-RPC version before processing any message.
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go func(msgID RequestID) {
				// Send pong back to the client.
				pongCtx, pongCancel := context.WithTimeout(context.Background(), s.pingTimeout)
				if err := s.session.Send(pongCtx, Message{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
				}); err != nil {
					s.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
				pongCancel()
			}(msg.ID)
		case methodInitialize:
			go s.handleInitializeRequest(hs, msg)
		case methodNotificationsInitialized:
			if !hs.advance(phaseInitializing, phaseReady) {
				s.logger.Info("unexpected initialized notification")
			}
		case MethodToolsList, MethodToolsCall, MethodLoggingSetLevel:
			if !hs.Ready() {
				// The handshake has not completed, so the request is rejected
				// outright rather than silently dropped. The client learns
				// immediately that it skipped initialization.
				go s.sendError(msg.ID, codeInvalidRequest,
					fmt.Sprintf("method %q before initialization completed", msg.Method))
				continue
			}
			reqCtx, reqCancel := context.WithCancel(baseCtx)
			cancelMu.Lock()
			ctxCancels[msg.ID] = reqCancel
			cancelMu.Unlock()
			go func(msg Message) {
				defer func() {
					cancelMu.Lock()
					delete(ctxCancels, msg.ID)
					cancelMu.Unlock()
					reqCancel()
				}()
				s.handleRequest(reqCtx, msg)
			}(msg)
		case methodNotificationsCancelled:
			var params cancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Info("failed to unmarshal cancelled params",
					slog.String("err", err.Error()))
				continue
			}
			cancelMu.Lock()
			cancel, ok := ctxCancels[params.RequestID]
			cancelMu.Unlock()
			if ok {
				cancel()
			}
		case "":
			// This is a response from the client, either to our ping or to
			// our initialization error. Anything unknown is logged and
			// dropped by the tracker.
			if !hs.Ready() && msg.Error != nil {
				s.logger.Error("initialization failed with error from client",
					slog.String("err", msg.Error.Error()))
				continue
			}
			pending.Resolve(msg.ID, msg)
		default:
			go s.sendError(msg.ID, codeMethodNotFound,
				fmt.Sprintf("method %q not supported", msg.Method))
		}
	}
	// Cancel all in-flight handler contexts.
	baseCancel()
	// Fail whatever pings are still waiting and mark the session terminal.
	pending.FailAll(ErrSessionClosed)
	hs.Close()
	<-pingStopped
}

func (s serverSession) handleInitializeRequest(hs *handshake, msg Message) {
	if !hs.advance(phaseUninitialized, phaseInitializing) {
		s.sendError(msg.ID, codeInvalidRequest, "initialize already received")
		return
	}

	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		// The negotiation failed, so the machine returns to its starting
		// phase. A stray initialized notification cannot unlock the session
		// and the client is free to retry initialize.
		hs.advance(phaseInitializing, phaseUninitialized)
		s.sendError(msg.ID, codeInvalidParams,
			fmt.Sprintf("failed to unmarshal params: %s", err.Error()))
		return
	}

	if params.ProtocolVersion != protocolVersion {
		s.logger.Info("invalid initialization request",
			slog.String("clientProtocolVersion", params.ProtocolVersion))
		hs.advance(phaseInitializing, phaseUninitialized)
		s.sendError(msg.ID, codeInvalidParams,
			fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion))
		return
	}

	s.logger.Debug("client initializing",
		slog.String("clientName", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))

	s.sendResult(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	})
}

func (s serverSession) ping(pending *pendingRequests, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	defer s.session.Stop()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	failedPings := 0

	for {
		if failedPings > s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			return
		}

		select {
		case <-done:
			return
		case <-pingTicker.C:
		}

		msgID := pending.Allocate()
		slot := pending.Register(msgID)

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)
		err := s.session.Send(ctx, Message{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		})
		cancel()
		if err != nil {
			s.logger.Warn("failed to send ping to client",
				slog.String("err", err.Error()))
			pending.Cancel(msgID)
			failedPings++
			continue
		}

		select {
		case <-done:
			pending.Cancel(msgID)
			return
		case res := <-slot:
			if res.err != nil {
				return
			}
			failedPings = 0
		case <-time.After(s.pingTimeout):
			s.logger.Warn("ping response timed out")
			pending.Cancel(msgID)
			failedPings++
		}
	}
}

func (s serverSession) handleRequest(ctx context.Context, msg Message) {
	switch msg.Method {
	case MethodToolsList:
		s.handleListTools(msg)
	case MethodToolsCall:
		s.handleCallTool(ctx, msg)
	case MethodLoggingSetLevel:
		s.handleSetLogLevel(msg)
	}
}

func (s serverSession) handleListTools(msg Message) {
	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.sendError(msg.ID, codeInvalidParams,
				fmt.Errorf("failed to unmarshal params: %w", err).Error())
			return
		}
	}

	s.sendResult(msg.ID, s.registry.List(params.Cursor))
}

// handleCallTool runs the invocation pipeline: decode, look up, decode
// arguments, invoke with panic containment, normalize, respond. Every request
// that reaches this point gets exactly one response.
func (s serverSession) handleCallTool(ctx context.Context, msg Message) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, codeInvalidParams,
			fmt.Errorf("failed to unmarshal params: %w", err).Error())
		return
	}

	tool, ok := s.registry.Get(params.Name)
	if !ok {
		// An unknown tool is an execution failure, not a protocol failure;
		// the caller's request succeeds and carries the error in the result.
		s.sendResult(msg.ID, Errorf("unknown tool: %s", params.Name))
		return
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.sendResult(msg.ID, Errorf("invalid arguments: %v", err))
			return
		}
	}

	result := s.invokeTool(ctx, tool, args, s.progressReporter(params.Meta.ProgressToken))

	if ctx.Err() != nil {
		// The caller cancelled and stopped waiting; no response goes out.
		s.logger.Debug("dropping result of cancelled call",
			slog.String("tool", params.Name))
		return
	}

	s.sendResult(msg.ID, result)
}

func (s serverSession) invokeTool(
	ctx context.Context,
	tool ServerTool,
	args map[string]any,
	progress ProgressReporter,
) (result CallToolResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool handler panicked",
				slog.String("tool", tool.Tool.Name),
				slog.Any("panic", r))
			result = Errorf("tool %s panicked: %v", tool.Tool.Name, r)
		}
	}()

	v, err := tool.Handler(ctx, args, progress)
	if err != nil {
		return Errorf("%v", err)
	}
	return NormalizeResult(v)
}

func (s serverSession) handleSetLogLevel(msg Message) {
	if s.logHandler == nil {
		s.sendError(msg.ID, codeMethodNotFound, "logging not supported by server")
		return
	}

	var params LogParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, codeInvalidParams,
			fmt.Errorf("failed to unmarshal params: %w", err).Error())
		return
	}

	s.logHandler.SetLogLevel(params.Level)
	s.sendResult(msg.ID, struct{}{})
}

// progressReporter builds the reporter handed to a tool handler. Calls
// without a progress token get a no-op reporter, so handlers never need to
// care whether anyone is listening.
func (s serverSession) progressReporter(token RequestID) ProgressReporter {
	if token == "" {
		return func(float64, float64) {}
	}
	return func(progress, total float64) {
		paramsBs, err := json.Marshal(ProgressParams{
			ProgressToken: token,
			Progress:      progress,
			Total:         total,
		})
		if err != nil {
			s.logger.Error("failed to marshal progress params", "err", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		if err := s.session.Send(ctx, Message{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		}); err != nil {
			s.logger.Error("failed to send progress", "err", err)
		}
	}
}

func (s serverSession) sendResult(id RequestID, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.sendError(id, codeInternalError,
			fmt.Errorf("failed to marshal result: %w", err).Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) sendError(id RequestID, code int, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}); err != nil {
		s.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}
