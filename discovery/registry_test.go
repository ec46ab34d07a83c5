package discovery

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_706_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(1_706_000_000, 0).Add(offset)
}

func TestRegistryEvictsAfterThreeIntervals(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(RegistryConfig{
		EvictionThreshold: EvictionFactor * 5000 * time.Millisecond,
		Now:               clock.Now,
	})

	registry.Upsert("192.168.1.20")

	clock.Set(10000 * time.Millisecond)
	if removed := registry.Sweep(); len(removed) != 0 {
		t.Fatalf("expected nothing evicted at t=10000, got %v", removed)
	}
	if snap := registry.Snapshot(); len(snap) != 1 {
		t.Fatalf("expected peer present at t=10000, got %v", snap)
	}

	clock.Set(15000 * time.Millisecond)
	registry.Sweep()
	if snap := registry.Snapshot(); len(snap) != 1 {
		t.Fatalf("expected peer present at exactly the threshold, got %v", snap)
	}

	clock.Set(15001 * time.Millisecond)
	removed := registry.Sweep()
	if len(removed) != 1 || removed[0] != "192.168.1.20" {
		t.Fatalf("expected 192.168.1.20 evicted at t=15001, got %v", removed)
	}
	if snap := registry.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected empty registry, got %v", snap)
	}
}

func TestRegistryKeepsConnectedPeer(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(RegistryConfig{EvictionThreshold: time.Second, Now: clock.Now})

	registry.Upsert("10.0.0.2")
	registry.Upsert("10.0.0.3")
	registry.SetConnected("10.0.0.2")

	clock.Set(time.Hour)
	registry.Sweep()
	if snap := registry.Snapshot(); len(snap) != 1 || snap[0] != "10.0.0.2" {
		t.Fatalf("expected only the connected peer, got %v", snap)
	}

	registry.ClearConnected()
	registry.Sweep()
	if snap := registry.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected connected peer to become evictable, got %v", snap)
	}
}

func TestRegistrySnapshotMatchesRetentionRule(t *testing.T) {
	const threshold = 15 * time.Second
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 50; round++ {
		clock := newFakeClock()
		registry := NewRegistry(RegistryConfig{EvictionThreshold: threshold, Now: clock.Now})
		lastSeen := make(map[string]time.Duration)

		addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
		connected := addrs[rng.Intn(len(addrs))]

		var at time.Duration
		for step := 0; step < 40; step++ {
			at += time.Duration(rng.Intn(4000)) * time.Millisecond
			clock.Set(at)
			addr := addrs[rng.Intn(len(addrs))]
			registry.Upsert(addr)
			lastSeen[addr] = at
		}
		registry.SetConnected(connected)

		at += time.Duration(rng.Intn(30000)) * time.Millisecond
		clock.Set(at)
		registry.Sweep()

		var want []string
		for addr, seen := range lastSeen {
			if at-seen <= threshold || addr == connected {
				want = append(want, addr)
			}
		}
		sort.Strings(want)

		got := registry.Snapshot()
		if len(got) != len(want) {
			t.Fatalf("round %d: expected %v, got %v", round, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("round %d: expected %v, got %v", round, want, got)
			}
		}
	}
}

func TestRegistrySnapshotHidesExpiredPeersBeforeSweep(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(RegistryConfig{
		EvictionThreshold: EvictionFactor * 5000 * time.Millisecond,
		Now:               clock.Now,
	})

	registry.Upsert("192.168.1.20")
	registry.Upsert("192.168.1.21")
	registry.SetConnected("192.168.1.21")

	clock.Set(15000 * time.Millisecond)
	if snap := registry.Snapshot(); len(snap) != 2 {
		t.Fatalf("expected both peers at the threshold, got %v", snap)
	}

	clock.Set(15001 * time.Millisecond)
	if snap := registry.Snapshot(); len(snap) != 1 || snap[0] != "192.168.1.21" {
		t.Fatalf("expected only the connected peer at t=15001, got %v", snap)
	}
	if records := registry.Records(); len(records) != 1 || records[0].Address != "192.168.1.21" {
		t.Fatalf("expected only the connected record at t=15001, got %v", records)
	}
}

func TestRegistryRunNeverShowsSilentPeer(t *testing.T) {
	const threshold = 200 * time.Millisecond
	registry := NewRegistry(RegistryConfig{EvictionThreshold: threshold})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- registry.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Land between two sweeps so the peer expires well before the next tick.
	time.Sleep(threshold / 2)
	registry.Upsert("10.0.0.2")
	seen := time.Now()

	time.Sleep(threshold + 60*time.Millisecond)
	if snap := registry.Snapshot(); len(snap) != 0 {
		t.Fatalf("peer silent for %s (> %s) still in snapshot %v", time.Since(seen).Round(time.Millisecond), threshold, snap)
	}
}

func TestRegistryNotifiesOnMembershipChange(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(RegistryConfig{EvictionThreshold: time.Second, Now: clock.Now})

	var order []string
	var snapshots [][]string
	cancelFirst := registry.Subscribe(func(snapshot []string) {
		order = append(order, "first")
		snapshots = append(snapshots, snapshot)
	})
	registry.Subscribe(func([]string) { order = append(order, "second") })

	registry.Upsert("10.0.0.9")
	registry.Upsert("10.0.0.9")
	if len(snapshots) != 1 || snapshots[0][0] != "10.0.0.9" {
		t.Fatalf("expected one notification for a new peer, got %v", snapshots)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected registration order, got %v", order)
	}

	cancelFirst()
	cancelFirst()
	clock.Set(time.Hour)
	registry.Sweep()
	if len(snapshots) != 1 {
		t.Fatalf("cancelled observer was notified")
	}
	if len(order) != 3 {
		t.Fatalf("expected remaining observer to see the eviction, got %v", order)
	}
}

func TestRegistryRunStopsWithContext(t *testing.T) {
	registry := NewRegistry(RegistryConfig{EvictionThreshold: 10 * time.Millisecond})
	registry.Upsert("10.0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- registry.Run(ctx) }()

	waitForCondition(t, time.Second, func() bool { return len(registry.Snapshot()) == 0 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
