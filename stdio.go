package toolrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO carries newline-delimited JSON messages over an io.Reader/io.Writer
// pair, typically stdin/stdout of a subprocess. It provides a single
// persistent session and can serve as either ServerTransport or
// ClientTransport.
//
// Use NewStdIO to create instances; the zero value is not usable.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	// Writes go through a queue so concurrent Sends never interleave
	// partial lines, and so a Send waiter stays selectable on its context
	// and the done signal even while the underlying Write stalls.
	sendMsgs chan stdIOSendMsg

	done       chan struct{}
	readClosed chan struct{}
	stopOnce   sync.Once
}

type stdIOSendMsg struct {
	payload []byte
	errs    chan<- error
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*stdIOSession)

// WithStdIOLogger sets the logger used by the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *stdIOSession) {
		s.logger = logger.With(
			slog.String("package", "toolrpc"),
			slog.String("component", "stdio"),
		)
	}
}

// NewStdIO creates a new StdIO transport reading messages from reader and
// writing them to writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	sess := &stdIOSession{
		id:         uuid.New().String(),
		reader:     reader,
		writer:     writer,
		logger:     slog.Default(),
		sendMsgs:   make(chan stdIOSendMsg),
		done:       make(chan struct{}),
		readClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(sess)
	}
	go sess.processSendMessages()
	return StdIO{
		sess:   sess,
		closed: make(chan struct{}),
	}
}

// Sessions implements the ServerTransport interface by yielding the single
// persistent session. The iteration exits when the session is stopped.
func (s StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// There is only one session on a stdio pair, so yield it and wait
		// until it's done.
		yield(s.sess)
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the
// Sessions iteration to exit.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. The underlying
// stream pair already exists, so the session is returned immediately.
func (s StdIO) StartSession(_ context.Context) (Session, error) {
	return s.sess, nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg Message) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Newline framing, one message per line.
	msgBs = append(msgBs, '\n')

	errs := make(chan error, 1)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.sendMsgs <- stdIOSendMsg{payload: msgBs, errs: errs}:
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

func (s *stdIOSession) processSendMessages() {
	for {
		select {
		case sm := <-s.sendMsgs:
			_, err := s.writer.Write(sm.payload)
			if err != nil {
				err = fmt.Errorf("failed to write message: %w", err)
			}
			sm.errs <- err
		case <-s.done:
			return
		}
	}
}

func (s *stdIOSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		defer close(s.readClosed)

		// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(s.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Reading happens in a goroutine so a stalled reader never keeps
			// the loop from noticing the done signal.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-s.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) {
					s.logger.Error("failed to read message", "err", lwe.err)
				}
				return
			}

			if lwe.line == "" {
				continue
			}

			var msg Message
			if err := json.Unmarshal([]byte(lwe.line), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	<-s.readClosed
}
