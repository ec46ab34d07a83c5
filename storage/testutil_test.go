package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustGetPeer(t *testing.T, store *Store, address string) *Peer {
	t.Helper()

	peer, err := store.GetPeer(address)
	if err != nil {
		t.Fatalf("get peer %q: %v", address, err)
	}
	return peer
}

func ptr[T any](v T) *T {
	return &v
}
