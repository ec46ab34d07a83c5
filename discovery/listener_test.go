package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestListenerRoutesByOpcode(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	collector := &datagramCollector{}
	l := &Listener{log: zapNop(), peers: registry, negotiator: collector, self: map[string]struct{}{}}

	l.handle("10.0.0.7", EncodeDatagram(Presence()))
	l.handle("10.0.0.8", EncodeDatagram(Stop()))
	l.handle("10.0.0.8", []byte{2, 0, 0, 1, 0, 0, 0, 2, 0})
	l.handle("10.0.0.9", nil)
	l.handle("10.0.0.9", []byte{42})

	if snap := registry.Snapshot(); len(snap) != 1 || snap[0] != "10.0.0.7" {
		t.Fatalf("expected only the presence sender registered, got %v", snap)
	}
	if collector.count(OpStop) != 1 || collector.count(OpRequest) != 1 {
		t.Fatalf("unexpected negotiator datagrams %+v", collector.received)
	}
	if collector.received[1].Metrics.Width != 256 || collector.received[1].Metrics.Height != 512 {
		t.Fatalf("unexpected request metrics %+v", collector.received[1].Metrics)
	}
	if collector.count(OpPresence) != 0 {
		t.Fatalf("presence must not reach the negotiator")
	}
}

func TestListenerDropsSelfDatagrams(t *testing.T) {
	registry := NewRegistry(RegistryConfig{})
	collector := &datagramCollector{}
	l := &Listener{
		log:        zapNop(),
		peers:      registry,
		negotiator: collector,
		self:       map[string]struct{}{"192.168.1.4": {}},
	}

	l.handle("192.168.1.4", EncodeDatagram(Presence()))
	l.handle("192.168.1.4", EncodeDatagram(Stop()))

	if len(registry.Snapshot()) != 0 || collector.count(OpStop) != 0 {
		t.Fatalf("expected self datagrams to be dropped")
	}
}

func TestListenReturnsBindError(t *testing.T) {
	occupied, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	defer occupied.Close()
	port := occupied.LocalAddr().(*net.UDPAddr).Port

	if _, err := Listen(ListenerConfig{Port: port, BindAddress: "127.0.0.1"}, nil, nil); err == nil {
		t.Fatalf("expected bind error for occupied port")
	}
}

func TestListenerRunReturnsOnCancel(t *testing.T) {
	l, err := Listen(ListenerConfig{
		Port:           freeUDPPort(t),
		BindAddress:    "127.0.0.1",
		LocalAddresses: []string{},
		PollInterval:   10 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not observe cancellation")
	}
}

func TestPreferAddress(t *testing.T) {
	if got := preferAddress([]string{"10.1.1.1", "172.16.0.2", "192.168.0.9"}); got != "192.168.0.9" {
		t.Fatalf("expected 192.168 address, got %s", got)
	}
	if got := preferAddress([]string{"8.8.4.4", "10.1.1.1"}); got != "10.1.1.1" {
		t.Fatalf("expected private address, got %s", got)
	}
	if got := preferAddress([]string{"8.8.4.4"}); got != "8.8.4.4" {
		t.Fatalf("expected fallback to first address, got %s", got)
	}
}

func zapNop() *zap.Logger { return zap.NewNop() }
