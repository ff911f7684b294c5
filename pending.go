package toolrpc

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// pendingResult is the completion value of an outstanding request: either the
// peer's response message or a local failure (cancellation, session closure).
type pendingResult struct {
	msg Message
	err error
}

// pendingRequests tracks outstanding requests for one direction of one
// session, matching asynchronous responses to the requests that triggered
// them. The pending map is the only mutably-shared structure of a session;
// a single mutex serializes access since every critical section is O(1).
type pendingRequests struct {
	mu      sync.Mutex
	entries map[RequestID]chan pendingResult
	logger  *slog.Logger
}

func newPendingRequests(logger *slog.Logger) *pendingRequests {
	return &pendingRequests{
		entries: make(map[RequestID]chan pendingResult),
		logger:  logger,
	}
}

// Allocate returns a fresh request id that has never been outstanding on
// this tracker.
func (p *pendingRequests) Allocate() RequestID {
	return RequestID(uuid.New().String())
}

// Register records a pending request and returns its completion slot. The
// slot has capacity one so the resolving side never blocks on a caller that
// already gave up.
func (p *pendingRequests) Register(id RequestID) <-chan pendingResult {
	slot := make(chan pendingResult, 1)

	p.mu.Lock()
	p.entries[id] = slot
	p.mu.Unlock()

	return slot
}

// Resolve completes the pending request for id with the given response and
// removes it. A response for an unknown id is a protocol anomaly, not a
// fault: it is logged and dropped so a stray or duplicate response can never
// take down the session. Reports whether a pending entry was found.
func (p *pendingRequests) Resolve(id RequestID, msg Message) bool {
	slot, ok := p.take(id)
	if !ok {
		p.logger.Warn("dropping response for unknown request id", slog.String("id", string(id)))
		return false
	}
	slot <- pendingResult{msg: msg}
	return true
}

// Reject completes the pending request for id with an error and removes it.
// Unknown ids are treated the same way as in Resolve.
func (p *pendingRequests) Reject(id RequestID, err error) bool {
	slot, ok := p.take(id)
	if !ok {
		p.logger.Warn("rejecting unknown request id", slog.String("id", string(id)))
		return false
	}
	slot <- pendingResult{err: err}
	return true
}

// Cancel completes the pending request for id with ErrRequestCancelled. Used
// when the owning caller abandons the wait. Cancelling an id that already
// completed is a no-op.
func (p *pendingRequests) Cancel(id RequestID) {
	slot, ok := p.take(id)
	if !ok {
		return
	}
	slot <- pendingResult{err: ErrRequestCancelled}
}

// FailAll completes every outstanding request with err and empties the
// tracker. Called on session teardown so no pending call is ever left
// silently unresolved.
func (p *pendingRequests) FailAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[RequestID]chan pendingResult)
	p.mu.Unlock()

	for _, slot := range entries {
		slot <- pendingResult{err: err}
	}
}

// Len reports the number of outstanding requests.
func (p *pendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.entries)
}

func (p *pendingRequests) take(id RequestID) (chan pendingResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return slot, ok
}
