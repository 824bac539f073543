package storage

import (
	"errors"
	"testing"
	"time"
)

func TestPeerAddressUpsertAndGet(t *testing.T) {
	store := openTestStore(t)

	addr := PeerAddress{Username: "alice", IP: "203.0.113.9", Port: 2234}
	if err := store.UpsertPeerAddress(addr); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetPeerAddress("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IP != "203.0.113.9" || got.Port != 2234 {
		t.Fatalf("got %+v", got)
	}
	if got.SeenAt == 0 {
		t.Fatal("seen_at not filled")
	}

	// A new sighting replaces the endpoint.
	addr.IP = "198.51.100.4"
	addr.Port = 2235
	if err := store.UpsertPeerAddress(addr); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = store.GetPeerAddress("alice")
	if err != nil {
		t.Fatalf("get after upsert: %v", err)
	}
	if got.IP != "198.51.100.4" || got.Port != 2235 {
		t.Fatalf("stale endpoint survived: %+v", got)
	}
}

func TestPeerAddressNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetPeerAddress("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestPrunePeerAddresses(t *testing.T) {
	store := openTestStore(t)

	old := PeerAddress{Username: "old", IP: "10.0.0.1", Port: 1, SeenAt: 1000}
	fresh := PeerAddress{Username: "fresh", IP: "10.0.0.2", Port: 2, SeenAt: time.Now().UnixMilli()}
	for _, a := range []PeerAddress{old, fresh} {
		if err := store.UpsertPeerAddress(a); err != nil {
			t.Fatalf("upsert %s: %v", a.Username, err)
		}
	}

	pruned, err := store.PrunePeerAddresses(2000)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned %d rows, want 1", pruned)
	}
	if _, err := store.GetPeerAddress("old"); !errors.Is(err, ErrNotFound) {
		t.Fatal("stale address survived prune")
	}
	if _, err := store.GetPeerAddress("fresh"); err != nil {
		t.Fatalf("fresh address lost: %v", err)
	}
}
