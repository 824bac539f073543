package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"slsk/wire"
)

// fakeServer speaks just enough of the server protocol to log a client in
// and exchange messages afterwards.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	reject   string
	received chan wire.ServerCode
	conn     chan net.Conn
}

func newFakeServer(t *testing.T, reject string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake server listen: %v", err)
	}
	f := &fakeServer{
		t:        t,
		ln:       ln,
		reject:   reject,
		received: make(chan wire.ServerCode, 16),
		conn:     make(chan net.Conn, 1),
	}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeServer) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	f.conn <- conn

	for {
		code, _, err := wire.ReadServerFrame(conn, wire.DefaultServerMessageLimit)
		if err != nil {
			return
		}
		if code == wire.CodeLogin {
			var w wire.Writer
			if f.reject != "" {
				w.WriteBool(false)
				w.WriteString(f.reject)
			} else {
				w.WriteBool(true)
				w.WriteString("Welcome")
				w.WriteIP(net.IPv4(203, 0, 113, 9))
			}
			_ = wire.WriteServerFrame(conn, wire.CodeLogin, w.Bytes(), wire.DefaultServerMessageLimit)
			continue
		}
		f.received <- code
	}
}

// push writes one raw server frame to the connected client.
func (f *fakeServer) push(code wire.ServerCode, payload []byte) {
	select {
	case conn := <-f.conn:
		f.conn <- conn
		_ = wire.WriteServerFrame(conn, code, payload, wire.DefaultServerMessageLimit)
	case <-time.After(3 * time.Second):
		f.t.Fatal("no client connected to fake server")
	}
}

func (f *fakeServer) expect(code wire.ServerCode) {
	f.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-f.received:
			if got == code {
				return
			}
		case <-deadline:
			f.t.Fatalf("server never received code %d", code)
		}
	}
}

func newTestServerSession(t *testing.T, server *fakeServer, events *Events) *ServerSession {
	t.Helper()
	opts := testOptions("tester")
	opts.ServerAddress = server.ln.Addr().String()
	opts.PingInterval = time.Hour

	pending := newPendingConnects()
	tokens := newTokenSource()
	dialer := NewDialer(opts, pending, tokens)
	s := NewServerSession(opts, dialer, pending, NewSearchRegistry(time.Minute), tokens, events, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServerLoginSuccess(t *testing.T) {
	server := newFakeServer(t, "")
	s := newTestServerSession(t, server, nil)
	s.SetListenPort(2234)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != ServerOnline {
		t.Fatalf("state = %s, want online", s.State())
	}
	if ip := s.OwnIP(); !ip.Equal(net.IPv4(203, 0, 113, 9)) {
		t.Fatalf("own IP = %v", ip)
	}

	// Post-login announcements.
	server.expect(wire.CodeSetWaitPort)
	server.expect(wire.CodeHaveNoParent)
	server.expect(wire.CodeAcceptChildren)
}

func TestServerLoginRejected(t *testing.T) {
	server := newFakeServer(t, "INVALIDPASS")
	s := newTestServerSession(t, server, nil)

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrLoginRejected) {
		t.Fatalf("got %v, want ErrLoginRejected", err)
	}
	if s.State() != ServerDisconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}
}

func TestSearchRequiresLogin(t *testing.T) {
	server := newFakeServer(t, "")
	s := newTestServerSession(t, server, nil)

	if _, err := s.Search("query"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("got %v, want ErrNotLoggedIn", err)
	}
}

func TestSearchDispatchesToken(t *testing.T) {
	server := newFakeServer(t, "")
	s := newTestServerSession(t, server, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	token, err := s.Search("blue train")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if token == 0 {
		t.Fatal("search token is zero")
	}
	if q, live := s.searches.Lookup(token); !live || q != "blue train" {
		t.Fatalf("token not registered: %q, %v", q, live)
	}
	server.expect(wire.CodeFileSearch)
}

func TestReloggedKicksSession(t *testing.T) {
	states := make(chan ServerState, 8)
	events := &Events{OnServerState: func(st ServerState) { states <- st }}
	server := newFakeServer(t, "")
	s := newTestServerSession(t, server, events)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	server.push(wire.CodeRelogged, nil)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-states:
			if st == ServerKicked {
				if _, err := s.Search("q"); !errors.Is(err, ErrNotLoggedIn) {
					t.Fatalf("search after kick: %v", err)
				}
				// The dying connection's read loop must not downgrade the
				// kick to a plain disconnect.
				time.Sleep(150 * time.Millisecond)
				if got := s.State(); got != ServerKicked {
					t.Fatalf("state = %s after the kick settled, want kicked", got)
				}
				return
			}
		case <-deadline:
			t.Fatal("session never reached kicked state")
		}
	}
}

func TestCantConnectCancelsPendingToken(t *testing.T) {
	server := newFakeServer(t, "")
	s := newTestServerSession(t, server, nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := s.dialer.Connect(context.Background(), PeerIdentity{Username: "ghost"}, KindPeer)
		result <- err
	}()

	// The relay request surfaces at the server; answer it with a failure
	// for whatever token the dialer chose.
	server.expect(wire.CodeConnectToPeer)

	// The dialer registered exactly one pending token.
	var token uint32
	deadline := time.Now().Add(3 * time.Second)
	for token == 0 {
		s.pending.mu.Lock()
		for tk := range s.pending.byToken {
			token = tk
		}
		s.pending.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("no pending token registered")
		}
	}

	var w wire.Writer
	w.WriteUint32(token)
	w.WriteString("ghost")
	server.push(wire.CodeCantConnectToPeer, w.Bytes())

	select {
	case err := <-result:
		var he *HandshakeError
		if !errors.As(err, &he) || !he.Indirect {
			t.Fatalf("got %v, want indirect HandshakeError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dialer never gave up on the cancelled token")
	}
}
