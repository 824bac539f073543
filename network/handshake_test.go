package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"slsk/wire"
)

func testOptions(username string) Options {
	return Options{
		Username:        username,
		Password:        "secret",
		ListenAddress:   "127.0.0.1:0",
		DirectTimeout:   2 * time.Second,
		IndirectTimeout: 2 * time.Second,
	}.withDefaults()
}

func TestTokenSourceNonZeroAndUnique(t *testing.T) {
	tokens := newTokenSource()
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		token := tokens.take("peer")
		if token == 0 {
			t.Fatal("token source issued zero")
		}
		if seen[token] {
			t.Fatalf("token %d issued twice while outstanding", token)
		}
		seen[token] = true
	}
	for token := range seen {
		tokens.release("peer", token)
	}
	if tokens.held("peer", 1) {
		t.Fatal("released token still held")
	}
}

func TestDirectConnectDeliversPeerInit(t *testing.T) {
	opts := testOptions("initiator")
	pending := newPendingConnects()

	listener, err := Listen(opts, pending)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	dialer := NewDialer(opts, newPendingConnects(), newTokenSource())
	peer := PeerIdentity{Username: "remote"}.WithEndpoint(net.IPv4(127, 0, 0, 1), listener.Port())

	conn, err := dialer.Connect(context.Background(), peer, KindPeer)
	if err != nil {
		t.Fatalf("direct connect: %v", err)
	}
	defer conn.Close()

	select {
	case in := <-listener.Incoming():
		if in.Username != "initiator" {
			t.Fatalf("got username %q, want initiator", in.Username)
		}
		if in.Kind != KindPeer {
			t.Fatalf("got kind %q, want %q", in.Kind, KindPeer)
		}
		if in.Token == 0 {
			t.Fatal("messaging peer-init must carry a non-zero token")
		}
		in.Conn.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("listener never delivered the inbound connection")
	}
}

func TestFileConnectionMatchedByUsername(t *testing.T) {
	opts := testOptions("downloader")
	pending := newPendingConnects()

	listener, err := Listen(opts, pending)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	waiter := pending.addUser("uploader")

	// The remote opens a file connection; its peer-init token is zero, so
	// matching must key on the username.
	dialer := NewDialer(testOptions("uploader"), newPendingConnects(), newTokenSource())
	peer := PeerIdentity{Username: "downloader"}.WithEndpoint(net.IPv4(127, 0, 0, 1), listener.Port())
	conn, err := dialer.Connect(context.Background(), peer, KindFile)
	if err != nil {
		t.Fatalf("file connect: %v", err)
	}
	defer conn.Close()

	select {
	case got := <-waiter:
		if got == nil {
			t.Fatal("waiter resolved with nil connection")
		}
		if got.Kind() != KindFile {
			t.Fatalf("got kind %q, want %q", got.Kind(), KindFile)
		}
		got.Close()
	case <-time.After(3 * time.Second):
		t.Fatal("file connection never matched the waiting transfer")
	}
}

func TestUnsolicitedFileConnectionDropped(t *testing.T) {
	opts := testOptions("victim")
	listener, err := Listen(opts, newPendingConnects())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	raw, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	init := &wire.PeerInit{Username: "stranger", ConnType: wire.ConnTypeFile}
	if err := wire.WritePeerInitFrame(raw, wire.CodePeerInit, init.MarshalPayload(), opts.PeerMessageLimit); err != nil {
		t.Fatalf("write peer-init: %v", err)
	}

	// No transfer is waiting for "stranger": the connection must be closed.
	_ = raw.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := raw.Read(buf); err == nil {
		t.Fatal("unsolicited file connection was not closed")
	}
}

func TestIndirectConnectViaPierce(t *testing.T) {
	opts := testOptions("initiator")
	pending := newPendingConnects()

	listener, err := Listen(opts, pending)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	dialer := NewDialer(opts, pending, newTokenSource())
	// The fake relay plays the remote peer: it connects back to our
	// listener and presents the relayed token.
	dialer.SetRelay(func(token uint32, username, connType string) error {
		go func() {
			raw, err := net.Dial("tcp", listener.Addr().String())
			if err != nil {
				return
			}
			pierce := &wire.PierceFirewall{Token: token}
			_ = wire.WritePeerInitFrame(raw, wire.CodePierceFirewall, pierce.MarshalPayload(), opts.PeerMessageLimit)
		}()
		return nil
	})

	// No endpoints: the direct leg is skipped and the relay must carry it.
	peer := PeerIdentity{Username: "remote"}
	conn, err := dialer.Connect(context.Background(), peer, KindPeer)
	if err != nil {
		t.Fatalf("indirect connect: %v", err)
	}
	defer conn.Close()

	if conn.State() != StateEstablished {
		t.Fatalf("got state %q, want %q", conn.State(), StateEstablished)
	}
}

func TestCancelTokenFailsIndirect(t *testing.T) {
	opts := testOptions("initiator")
	opts.IndirectTimeout = 5 * time.Second
	pending := newPendingConnects()
	dialer := NewDialer(opts, pending, newTokenSource())

	relayed := make(chan uint32, 1)
	dialer.SetRelay(func(token uint32, username, connType string) error {
		relayed <- token
		return nil
	})

	go func() {
		token := <-relayed
		dialer.CancelToken(token)
	}()

	_, err := dialer.Connect(context.Background(), PeerIdentity{Username: "remote"}, KindPeer)
	if err == nil {
		t.Fatal("cancelled indirect connect succeeded")
	}
	var he *HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("got %T, want *HandshakeError", err)
	}
	if !he.Indirect {
		t.Fatal("error should mark the indirect leg")
	}
}

func TestPierceForUnknownTokenDropped(t *testing.T) {
	opts := testOptions("victim")
	listener, err := Listen(opts, newPendingConnects())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	raw, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	pierce := &wire.PierceFirewall{Token: 0xDEAD}
	if err := wire.WritePeerInitFrame(raw, wire.CodePierceFirewall, pierce.MarshalPayload(), opts.PeerMessageLimit); err != nil {
		t.Fatalf("write pierce: %v", err)
	}

	_ = raw.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := raw.Read(buf); err == nil {
		t.Fatal("pierce for unknown token was not dropped")
	}
}
