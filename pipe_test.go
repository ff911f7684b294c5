package toolrpc

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestPipeOrdering(t *testing.T) {
	serverEnd, clientEnd := NewPipe(0)

	srvSess, err := serverEnd.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start server session: %v", err)
	}
	cliSess, err := clientEnd.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start client session: %v", err)
	}

	if srvSess.ID() != cliSess.ID() {
		t.Errorf("expected both ends to share a session id")
	}

	for i := range 5 {
		msg := Message{JSONRPC: JSONRPCVersion, ID: RequestID(strconv.Itoa(i))}
		if err := cliSess.Send(context.Background(), msg); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	cliSess.Stop()

	var got []RequestID
	for msg := range srvSess.Messages() {
		got = append(got, msg.ID)
	}

	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	for i, id := range got {
		if want := RequestID(strconv.Itoa(i)); id != want {
			t.Errorf("position %d: expected id %s, got %s", i, want, id)
		}
	}
}

func TestPipeBackpressure(t *testing.T) {
	serverEnd, clientEnd := NewPipe(1)

	srvSess, _ := serverEnd.StartSession(context.Background())
	cliSess, _ := clientEnd.StartSession(context.Background())

	// First send fills the bound.
	if err := cliSess.Send(context.Background(), Message{JSONRPC: JSONRPCVersion}); err != nil {
		t.Fatalf("first send failed: %v", err)
	}

	// Second blocks until the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := cliSess.Send(ctx, Message{JSONRPC: JSONRPCVersion})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	srvSess.Stop()
	cliSess.Stop()
}

func TestPipeSendAfterStop(t *testing.T) {
	serverEnd, clientEnd := NewPipe(0)

	srvSess, _ := serverEnd.StartSession(context.Background())
	cliSess, _ := clientEnd.StartSession(context.Background())

	cliSess.Stop()

	if err := cliSess.Send(context.Background(), Message{JSONRPC: JSONRPCVersion}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from stopped end, got %v", err)
	}
	// The peer observed the stop too.
	if err := srvSess.Send(context.Background(), Message{JSONRPC: JSONRPCVersion}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed from peer, got %v", err)
	}

	srvSess.Stop()
}

func TestPipeDrainAfterPeerStop(t *testing.T) {
	serverEnd, clientEnd := NewPipe(5)

	srvSess, _ := serverEnd.StartSession(context.Background())
	cliSess, _ := clientEnd.StartSession(context.Background())

	for i := range 3 {
		if err := srvSess.Send(context.Background(), Message{JSONRPC: JSONRPCVersion, ID: RequestID(strconv.Itoa(i))}); err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
	}
	srvSess.Stop()

	// Messages already in flight are still delivered to the surviving end.
	var count int
	for range cliSess.Messages() {
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 drained messages, got %d", count)
	}

	cliSess.Stop()
}

func TestPipeShutdown(t *testing.T) {
	serverEnd, clientEnd := NewPipe(0)

	go func() {
		for sess := range serverEnd.Sessions() {
			_ = sess
		}
	}()

	cliSess, _ := clientEnd.StartSession(context.Background())
	cliSess.Stop()

	// Sessions has not observed the stop yet in the worst case, but the
	// server end unblocks once it does.
	srvSess, _ := serverEnd.StartSession(context.Background())
	srvSess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := serverEnd.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
