package network

import (
	"net"
	"strings"
	"testing"
	"time"

	"slsk/wire"
)

type capturingHandler struct {
	msgs chan wire.PeerMessage
}

func (h *capturingHandler) handlePeerMessage(username string, msg wire.PeerMessage) {
	h.msgs <- msg
}

// pipeSession wires a PeerSession to one end of an in-memory connection and
// returns the remote raw end for the test to write frames on.
func pipeSession(t *testing.T, searches *SearchRegistry, handler peerHandler) (*PeerSession, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	conn := newConn(local, KindPeer, wire.DefaultPeerMessageLimit, wire.DefaultInflateLimit)
	conn.setState(StateEstablished)

	opts := testOptions("tester")
	s := newPeerSession("remote", conn, opts.Logger, searches, handler)
	go s.readLoop()
	t.Cleanup(func() {
		s.Close()
		remote.Close()
	})
	return s, remote
}

func writePeerFrame(t *testing.T, w net.Conn, msg interface {
	wire.PeerMessage
	MarshalPayload() ([]byte, error)
}) {
	t.Helper()
	payload, err := msg.MarshalPayload()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := wire.WritePeerFrame(w, msg.PeerCode(), payload, wire.DefaultPeerMessageLimit); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestSearchResultForLiveTokenDelivered(t *testing.T) {
	searches := NewSearchRegistry(time.Minute)
	searches.Register(1234, "blue train")
	handler := &capturingHandler{msgs: make(chan wire.PeerMessage, 1)}
	_, remote := pipeSession(t, searches, handler)

	writePeerFrame(t, remote, &wire.FileSearchResponse{
		SearchResult: wire.SearchResult{Username: "remote", Token: 1234},
	})

	select {
	case msg := <-handler.msgs:
		sr, ok := msg.(*wire.FileSearchResponse)
		if !ok {
			t.Fatalf("got %T, want *FileSearchResponse", msg)
		}
		if sr.Token != 1234 {
			t.Fatalf("got token %d, want 1234", sr.Token)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("live search result never delivered")
	}
}

func TestSearchResultForUnknownTokenDropped(t *testing.T) {
	searches := NewSearchRegistry(time.Minute)
	handler := &capturingHandler{msgs: make(chan wire.PeerMessage, 2)}
	_, remote := pipeSession(t, searches, handler)

	// Unknown token: the result must be dropped before the full parse.
	writePeerFrame(t, remote, &wire.FileSearchResponse{
		SearchResult: wire.SearchResult{Username: "remote", Token: 999},
	})
	// A followup message proves the connection survived the drop.
	writePeerFrame(t, remote, &wire.QueueUpload{Filename: "a.mp3"})

	select {
	case msg := <-handler.msgs:
		if _, ok := msg.(*wire.QueueUpload); !ok {
			t.Fatalf("got %T, want *QueueUpload (search result should have been dropped)", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session died after dropping unknown-token result")
	}
}

func TestExpiredTokenResultDropped(t *testing.T) {
	searches := NewSearchRegistry(10 * time.Millisecond)
	searches.Register(42, "old query")
	time.Sleep(30 * time.Millisecond)

	handler := &capturingHandler{msgs: make(chan wire.PeerMessage, 2)}
	_, remote := pipeSession(t, searches, handler)

	writePeerFrame(t, remote, &wire.FileSearchResponse{
		SearchResult: wire.SearchResult{Username: "remote", Token: 42},
	})
	writePeerFrame(t, remote, &wire.QueueUpload{Filename: "b.mp3"})

	select {
	case msg := <-handler.msgs:
		if _, ok := msg.(*wire.QueueUpload); !ok {
			t.Fatalf("got %T, expired result should have been dropped", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}
}

func TestUndecodableMessageSkipped(t *testing.T) {
	handler := &capturingHandler{msgs: make(chan wire.PeerMessage, 2)}
	_, remote := pipeSession(t, NewSearchRegistry(time.Minute), handler)

	// A compressed-family frame with garbage payload fails decode but must
	// not kill the connection.
	if err := wire.WritePeerFrame(remote, wire.CodeSharedFileListResponse, []byte("not zlib"), wire.DefaultPeerMessageLimit); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	writePeerFrame(t, remote, &wire.QueueUpload{Filename: "c.mp3"})

	select {
	case msg := <-handler.msgs:
		if _, ok := msg.(*wire.QueueUpload); !ok {
			t.Fatalf("got %T, want *QueueUpload", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session died on undecodable message")
	}
}

func TestOversizedFrameSkippedInPlace(t *testing.T) {
	local, remote := net.Pipe()
	conn := newConn(local, KindPeer, 64, wire.DefaultInflateLimit)
	conn.setState(StateEstablished)

	handler := &capturingHandler{msgs: make(chan wire.PeerMessage, 1)}
	opts := testOptions("tester")
	s := newPeerSession("remote", conn, opts.Logger, NewSearchRegistry(time.Minute), handler)
	go s.readLoop()
	t.Cleanup(func() {
		s.Close()
		remote.Close()
	})

	// A frame beyond the session's 64-byte ceiling must be drained and
	// skipped, not kill the connection.
	writePeerFrame(t, remote, &wire.QueueUpload{Filename: strings.Repeat("x", 128)})
	writePeerFrame(t, remote, &wire.QueueUpload{Filename: "short.mp3"})

	select {
	case msg := <-handler.msgs:
		q, ok := msg.(*wire.QueueUpload)
		if !ok || q.Filename != "short.mp3" {
			t.Fatalf("got %#v, want the in-limit queue request", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session died on oversized frame")
	}
	if conn.State().terminal() {
		t.Fatalf("connection state = %s after oversized frame, want established", conn.State())
	}
}

func TestSearchRegistryLifecycle(t *testing.T) {
	r := NewSearchRegistry(20 * time.Millisecond)
	r.Register(1, "one")
	r.Register(2, "two")

	if q, ok := r.Lookup(1); !ok || q != "one" {
		t.Fatalf("lookup(1) = %q, %v", q, ok)
	}

	r.Cancel(2)
	if _, ok := r.Lookup(2); ok {
		t.Fatal("cancelled token still live")
	}

	time.Sleep(40 * time.Millisecond)
	if _, ok := r.Lookup(1); ok {
		t.Fatal("expired token still live")
	}

	r.Register(3, "three")
	r.Sweep()
	if r.Len() != 1 {
		t.Fatalf("after sweep len = %d, want 1", r.Len())
	}
}
