package network

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"slsk/wire"
)

// silentPeer accepts connections, consumes the peer-init, and keeps the
// connection open without speaking.
func silentPeer(t *testing.T) PeerIdentity {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _, _ = wire.ReadPeerInitFrame(c, wire.DefaultPeerMessageLimit)
				_, _ = io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return PeerIdentity{Username: addr.String()}.WithEndpoint(addr.IP, uint32(addr.Port))
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	pending := newPendingConnects()
	dialer := NewDialer(opts, pending, newTokenSource())
	pool := NewPool(opts, dialer, NewSearchRegistry(time.Minute), nil)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestPoolDeduplicatesByUsername(t *testing.T) {
	opts := testOptions("tester")
	pool := newTestPool(t, opts)
	peer := silentPeer(t)

	first, err := pool.Session(context.Background(), peer)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}
	second, err := pool.Session(context.Background(), peer)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	if first != second {
		t.Fatal("two sessions for one username")
	}
	if pool.Len() != 1 {
		t.Fatalf("pool len = %d, want 1", pool.Len())
	}
}

func TestPoolCeilingCasualFailsFast(t *testing.T) {
	opts := testOptions("tester")
	opts.MaxPeerConnections = 1
	pool := newTestPool(t, opts)

	if _, err := pool.Session(context.Background(), silentPeer(t)); err != nil {
		t.Fatalf("first session: %v", err)
	}
	_, err := pool.Session(context.Background(), silentPeer(t))
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("second session: got %v, want ErrPoolExhausted", err)
	}
}

func TestPoolUrgentEvictsIdle(t *testing.T) {
	opts := testOptions("tester")
	opts.MaxPeerConnections = 1
	pool := newTestPool(t, opts)

	victim, err := pool.Session(context.Background(), silentPeer(t))
	if err != nil {
		t.Fatalf("messaging session: %v", err)
	}

	// The urgent file connection must evict the idle session instead of
	// failing.
	conn, err := pool.FileConn(context.Background(), silentPeer(t))
	if err != nil {
		t.Fatalf("urgent file conn: %v", err)
	}
	defer conn.Close()

	select {
	case <-victim.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle session was not evicted")
	}
	if victim.conn.State() != StateGhost {
		t.Fatalf("evicted session state = %s, want ghost", victim.conn.State())
	}
}

func TestPoolAdoptFileKeepsSingleSlot(t *testing.T) {
	opts := testOptions("tester")
	opts.MaxPeerConnections = 2
	pool := newTestPool(t, opts)

	conn, err := pool.FileConn(context.Background(), silentPeer(t))
	if err != nil {
		t.Fatalf("file conn: %v", err)
	}
	// Adopting a connection the pool already tracks must not claim a
	// second slot; closing the connection has to free the ceiling fully.
	if err := pool.AdoptFile(context.Background(), conn); err != nil {
		t.Fatalf("adopt tracked conn: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for pool.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pool len = %d after close, want 0", pool.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 2; i++ {
		if _, err := pool.Session(context.Background(), silentPeer(t)); err != nil {
			t.Fatalf("slot %d unavailable after the connection closed: %v", i+1, err)
		}
	}
}

func TestPoolReapsGhosts(t *testing.T) {
	opts := testOptions("tester")
	opts.IdleWindow = 50 * time.Millisecond
	opts.ReapInterval = 25 * time.Millisecond
	pool := newTestPool(t, opts)

	session, err := pool.Session(context.Background(), silentPeer(t))
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	select {
	case <-session.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle session never reaped")
	}
	if session.conn.State() != StateGhost {
		t.Fatalf("reaped session state = %s, want ghost", session.conn.State())
	}

	deadline := time.Now().Add(3 * time.Second)
	for pool.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pool len = %d after reap, want 0", pool.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoolReplacesSessionOnInbound(t *testing.T) {
	opts := testOptions("tester")
	pool := newTestPool(t, opts)
	peer := silentPeer(t)

	old, err := pool.Session(context.Background(), peer)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	// The same peer reconnects from their side; the stale session must be
	// replaced, not duplicated.
	client, server := net.Pipe()
	defer client.Close()
	conn := newConn(server, KindPeer, opts.PeerMessageLimit, opts.InflateLimit)
	conn.setState(StateEstablished)
	if err := pool.AdoptInbound(InboundConn{Username: peer.Username, Kind: KindPeer, Conn: conn}); err != nil {
		t.Fatalf("adopt inbound: %v", err)
	}

	select {
	case <-old.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("stale session not closed on replacement")
	}
}
