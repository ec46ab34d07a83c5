package network

import (
	"errors"
	"net"
	"testing"
	"time"
)

func TestAcceptTimeoutFiresDisconnect(t *testing.T) {
	rec, observers := newRecorder(t)
	acceptor := listenLoopback(t, observers, 50*time.Millisecond)
	defer shutdown(acceptor)

	waitForCondition(t, 2*time.Second, rec.disconnected)

	if acceptor.Reason() != ReasonAcceptTimeout {
		t.Fatalf("expected reason %q, got %q", ReasonAcceptTimeout, acceptor.Reason())
	}
	if !errors.Is(acceptor.LastError(), ErrAcceptTimeout) {
		t.Fatalf("expected ErrAcceptTimeout, got %v", acceptor.LastError())
	}
	events, _ := rec.snapshot()
	if len(events) != 1 || events[0] != "disconnect" {
		t.Fatalf("expected only a disconnect, got %v", events)
	}
}

func TestAcceptorServesFirstConnectionOnly(t *testing.T) {
	rec, observers := newRecorder(t)
	acceptor := listenLoopback(t, observers, 5*time.Second)
	defer shutdown(acceptor)
	addr := acceptor.Addr().String()

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer first.Close()
	waitForCondition(t, 2*time.Second, func() bool { return acceptor.State() == StateConnected })

	if second, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		_ = second.Close()
		t.Fatalf("expected listener to be closed after the first accept")
	}

	events, _ := rec.snapshot()
	if len(events) != 1 || events[0] != "connect" {
		t.Fatalf("expected a single connect, got %v", events)
	}
}

func TestListenReturnsBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %v", err)
	}
	defer occupied.Close()

	rec, observers := newRecorder(t)
	if _, err := Listen(Options{Address: occupied.Addr().String()}, observers); err == nil {
		t.Fatalf("expected bind error")
	}
	// Give a stray dispatcher a chance to misbehave before checking.
	time.Sleep(20 * time.Millisecond)
	if events, _ := rec.snapshot(); len(events) != 0 {
		t.Fatalf("expected no observer events for a failed bind, got %v", events)
	}
}

func TestCloseWhileAccepting(t *testing.T) {
	rec, observers := newRecorder(t)
	acceptor := listenLoopback(t, observers, 5*time.Second)
	shutdown(acceptor)

	if acceptor.Reason() != ReasonLocal {
		t.Fatalf("expected reason %q, got %q", ReasonLocal, acceptor.Reason())
	}
	if _, n := rec.snapshot(); n != 1 {
		t.Fatalf("expected one disconnect, got %d", n)
	}
}
