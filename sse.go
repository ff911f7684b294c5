package toolrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is a framework-agnostic Server-Sent Events transport. Messages
// flow server-to-client over an SSE stream and client-to-server over HTTP
// POST. Each connected client gets its own session.
//
// Wire HandleSSE and HandleMessage into any HTTP router; the paired
// SSEClient discovers the message endpoint from the first stream event.
// Instances should be created using NewSSEServer and shut down through the
// owning Server.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan *sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

// WithSSEServerLogger sets the logger used by the transport.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "toolrpc"),
			slog.String("component", "sse-server"),
		)
	}
}

// NewSSEServer creates an SSE transport whose clients post their messages to
// messageURL. The returned server becomes operational once its handlers are
// mounted and Sessions is being consumed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan *sseServerSession, 5),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

type sseSessionMessage struct {
	sessID string
	msg    Message
}

// Sessions implements the ServerTransport interface, yielding a session for
// every client that connects to the SSE handler.
func (s SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Active sessions, for routing posted messages by session id.
		sessionsMap := make(map[string]*sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()

				sessionsMap[sess.id] = sess

				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					// The session might already be closed; drop the message.
					continue
				}

				select {
				case <-s.done:
					return
				case <-session.done:
				case session.receivedMsgs <- msg.msg:
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. It terminates the
// Sessions iteration and blocks until it exits.
func (s SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for establishing SSE streams over GET
// requests. The handler upgrades the connection, assigns a session id, and
// tells the client where to post its messages. The connection stays open
// until either side closes the session.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		// The first event on the stream tells the client where to post.
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			nErr := fmt.Errorf("failed to write SSE endpoint: %w", err)
			s.logger.Error("failed to write SSE endpoint", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}
		if err := sess.Flush(); err != nil {
			nErr := fmt.Errorf("failed to flush SSE: %w", err)
			s.logger.Error("failed to flush SSE", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:     make(chan sseServerSessionSendMsg, 5),
			receivedMsgs: make(chan Message, 5),
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
			recvClosed:   make(chan struct{}),
		}

		// Hand the session to the Sessions loop.
		select {
		case <-s.done:
			return
		case s.sessions <- srvSession:
		}

		// Keep the connection open until the session winds down.
		<-srvSession.sendClosed
		<-srvSession.recvClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent
// via POST requests. The handler expects a sessionID query parameter and a
// JSON-encoded message body; valid messages are routed to the matching
// session's inbound stream.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			nErr := errors.New("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case <-s.done:
			return
		case s.receivedMessages <- sseSessionMessage{sessID: sessID, msg: msg}:
		}
	})
}

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan Message

	done       chan struct{}
	sendClosed chan struct{}
	recvClosed chan struct{}
	stopOnce   sync.Once
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg Message) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Writes go through a queue; the sse library session is not safe for
	// concurrent use.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.recvClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	<-s.sendClosed
	<-s.recvClosed
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-s.done:
			return
		}
	}
}

// SSEClient connects to an SSEServer. It receives messages over the SSE
// stream and posts its own through HTTP POST to the endpoint the server
// announces on connect. Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	messageURL string
	logger     *slog.Logger

	maxPayloadSize int

	id       string
	messages chan Message
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEClientMaxPayloadSize sets the maximum size of an event payload
// accepted from the server. Oversized payloads terminate the stream.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger used by the transport.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "toolrpc"),
			slog.String("component", "sse-client"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to the given URL. A nil
// httpClient falls back to http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		id:         uuid.New().String(),
		messages:   make(chan Message),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// StartSession implements the ClientTransport interface. It establishes the
// SSE stream, waits for the server to announce the message endpoint, and
// returns the session. The stream outlives ctx; it stays open until Stop.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	endpointReady := make(chan error, 1)
	go s.listenSSEMessages(resp.Body, endpointReady)

	select {
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case err := <-endpointReady:
		if err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

// ID implements the Session interface.
func (s *SSEClient) ID() string { return s.id }

// Send implements the Session interface by posting the message to the
// endpoint the server announced on connect.
func (s *SSEClient) Send(ctx context.Context, msg Message) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Messages implements the Session interface, yielding messages received on
// the SSE stream until it closes.
func (s *SSEClient) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// Stop implements the Session interface by tearing down the SSE stream.
func (s *SSEClient) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *SSEClient) listenSSEMessages(body io.ReadCloser, endpointReady chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointSeen := false

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", "err", err)
			}
			if !endpointSeen {
				endpointReady <- fmt.Errorf("stream closed before endpoint event: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint URL is validated before any message flows, so
			// posts never go to an unparsed destination.
			u, err := url.Parse(ev.Data)
			if err != nil {
				endpointReady <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				endpointReady <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			endpointSeen = true
			endpointReady <- nil
		case "message":
			if !endpointSeen {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			s.messages <- msg
		default:
			s.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}
