package toolrpc

import (
	"errors"
	"sync"
)

// Sentinel errors reported by sessions.
var (
	// ErrSessionClosed is returned for calls outstanding when the session's
	// stream closes, and for calls attempted afterwards.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotInitialized is returned for calls attempted before the
	// initialize handshake completes.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrRequestCancelled is returned for calls abandoned by their caller,
	// by timeout or by scope shutdown. Distinct from a tool error.
	ErrRequestCancelled = errors.New("request cancelled")

	// ErrRequestTimeout is returned when no response arrives within the
	// configured read timeout.
	ErrRequestTimeout = errors.New("request timeout")
)

type handshakePhase int

// Handshake phases. Transitions move forward, except that a failed
// initialize returns the machine from Initializing to Uninitialized so the
// negotiation can be retried. Closed is terminal.
const (
	phaseUninitialized handshakePhase = iota
	phaseInitializing
	phaseReady
	phaseClosed
)

// handshake is the capability-negotiation state machine each side of a
// session runs independently. Any request other than initialize received
// while not Ready is rejected with a protocol error; that ordering guarantee
// is the whole point of the handshake.
type handshake struct {
	mu    sync.Mutex
	phase handshakePhase
}

// advance moves the machine to another phase when the current phase matches
// from. Reports whether the transition happened; a Closed machine never
// moves.
func (h *handshake) advance(from, to handshakePhase) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.phase != from || h.phase == phaseClosed {
		return false
	}
	h.phase = to
	return true
}

// Ready reports whether the handshake completed and normal traffic may flow.
func (h *handshake) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.phase == phaseReady
}

// Close marks the session terminal. Safe to call from any phase, any number
// of times.
func (h *handshake) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.phase = phaseClosed
}

// Closed reports whether the session reached its terminal phase.
func (h *handshake) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.phase == phaseClosed
}

func (p handshakePhase) String() string {
	switch p {
	case phaseUninitialized:
		return "uninitialized"
	case phaseInitializing:
		return "initializing"
	case phaseReady:
		return "ready"
	case phaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}
