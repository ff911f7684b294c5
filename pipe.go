package toolrpc

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// defaultPipeCapacity bounds each direction of a pipe when the caller passes
// a non-positive capacity.
const defaultPipeCapacity = 10

// Pipe is an in-memory transport backed by a pair of bounded, ordered
// message channels, one per direction. It implements both ServerTransport
// and ClientTransport, so the two ends returned by NewPipe can drive a full
// server/client session inside one process. The bound provides backpressure:
// a producer that outpaces the consumer blocks in Send rather than growing
// memory without limit.
type Pipe struct {
	sess   pipeSession
	closed chan struct{}
}

type pipeSession struct {
	id string

	in  chan Message
	out chan Message

	done     chan struct{}
	peerDone chan struct{}
	stopOnce *sync.Once
}

// NewPipe creates a connected transport pair with the given per-direction
// capacity. Capacity values below one fall back to defaultPipeCapacity.
// The first return value is the server end, the second the client end.
func NewPipe(capacity int) (Pipe, Pipe) {
	if capacity < 1 {
		capacity = defaultPipeCapacity
	}

	clientToServer := make(chan Message, capacity)
	serverToClient := make(chan Message, capacity)

	id := uuid.New().String()
	serverDone := make(chan struct{})
	clientDone := make(chan struct{})

	server := Pipe{
		sess: pipeSession{
			id:       id,
			in:       clientToServer,
			out:      serverToClient,
			done:     serverDone,
			peerDone: clientDone,
			stopOnce: &sync.Once{},
		},
		closed: make(chan struct{}),
	}
	client := Pipe{
		sess: pipeSession{
			id:       id,
			in:       serverToClient,
			out:      clientToServer,
			done:     clientDone,
			peerDone: serverDone,
			stopOnce: &sync.Once{},
		},
		closed: make(chan struct{}),
	}

	return server, client
}

// Sessions implements ServerTransport by yielding the single session this
// pipe carries, then waiting until it is stopped.
func (p Pipe) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(p.closed)

		if !yield(p.sess) {
			return
		}
		<-p.sess.done
	}
}

// Shutdown implements ServerTransport. It waits for the Sessions iteration
// to exit.
func (p Pipe) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
	}
	return nil
}

// StartSession implements ClientTransport. An in-memory pipe is always
// ready, so the session is returned immediately.
func (p Pipe) StartSession(_ context.Context) (Session, error) {
	return p.sess, nil
}

func (s pipeSession) ID() string {
	return s.id
}

// Send places the message on the outbound channel, blocking while the bound
// is full. It fails with ErrSessionClosed once either end stops.
func (s pipeSession) Send(ctx context.Context, msg Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case <-s.peerDone:
		return ErrSessionClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.peerDone:
		return ErrSessionClosed
	case s.out <- msg:
		return nil
	}
}

// Messages yields inbound messages in send order until either end stops.
func (s pipeSession) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.peerDone:
				// Drain what the peer managed to send before stopping, so
				// responses racing a shutdown are not lost.
				for {
					select {
					case msg := <-s.in:
						if !yield(msg) {
							return
						}
					default:
						return
					}
				}
			case msg := <-s.in:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s pipeSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}
