package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"slsk/wire"
)

// tokenSource issues process-unique non-zero 32-bit tokens and tracks which
// tokens are currently awaiting a response per peer, so a fresh token never
// collides with an outstanding one for the same peer.
type tokenSource struct {
	mu      sync.Mutex
	next    uint32
	pending map[string]map[uint32]struct{}
}

func newTokenSource() *tokenSource {
	var seed [4]byte
	_, _ = rand.Read(seed[:])
	start := binary.LittleEndian.Uint32(seed[:])
	if start == 0 {
		start = 1
	}
	return &tokenSource{
		next:    start,
		pending: make(map[string]map[uint32]struct{}),
	}
}

// take reserves a non-zero token that does not collide with any token still
// awaiting a response from the same peer.
func (s *tokenSource) take(username string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	inUse := s.pending[username]
	if inUse == nil {
		inUse = make(map[uint32]struct{})
		s.pending[username] = inUse
	}

	for {
		s.next++
		if s.next == 0 {
			s.next = 1
		}
		if _, taken := inUse[s.next]; !taken {
			inUse[s.next] = struct{}{}
			return s.next
		}
	}
}

// release returns a token once its response arrived or the exchange failed.
func (s *tokenSource) release(username string, token uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inUse := s.pending[username]; inUse != nil {
		delete(inUse, token)
		if len(inUse) == 0 {
			delete(s.pending, username)
		}
	}
}

// held reports whether a token is awaiting a response from a peer.
func (s *tokenSource) held(username string, token uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[username][token]
	return ok
}

// connWaiter is a one-shot slot for a pending connection. The channel is
// buffered and consumed exactly once; there is no shared completion flag to
// race on.
type connWaiter struct {
	kind ConnKind
	ch   chan *Conn
}

// pendingConnects is the pending-connect table of the handshake state
// machine. Indirect requests are matched by token when the remote presents
// PierceFirewall. File-transfer connections are matched by username instead:
// their PeerInit token is always zero, so a token index would cross-match
// unrelated peers.
type pendingConnects struct {
	mu      sync.Mutex
	byToken map[uint32]*connWaiter
	byUser  map[string]*connWaiter
}

func newPendingConnects() *pendingConnects {
	return &pendingConnects{
		byToken: make(map[uint32]*connWaiter),
		byUser:  make(map[string]*connWaiter),
	}
}

func (p *pendingConnects) addToken(token uint32, kind ConnKind) <-chan *Conn {
	w := &connWaiter{kind: kind, ch: make(chan *Conn, 1)}
	p.mu.Lock()
	p.byToken[token] = w
	p.mu.Unlock()
	return w.ch
}

func (p *pendingConnects) addUser(username string) <-chan *Conn {
	w := &connWaiter{kind: KindFile, ch: make(chan *Conn, 1)}
	p.mu.Lock()
	p.byUser[username] = w
	p.mu.Unlock()
	return w.ch
}

func (p *pendingConnects) resolveToken(token uint32) (*connWaiter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.byToken[token]
	if ok {
		delete(p.byToken, token)
	}
	return w, ok
}

func (p *pendingConnects) resolveUser(username string) (*connWaiter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.byUser[username]
	if ok {
		delete(p.byUser, username)
	}
	return w, ok
}

func (p *pendingConnects) dropToken(token uint32) {
	p.mu.Lock()
	delete(p.byToken, token)
	p.mu.Unlock()
}

func (p *pendingConnects) dropUser(username string) {
	p.mu.Lock()
	delete(p.byUser, username)
	p.mu.Unlock()
}

// RelayFunc asks the server session to forward a connect-to-peer request.
type RelayFunc func(token uint32, username, connType string) error

// Dialer drives the handshake state machine for outbound peer connections:
// one direct attempt, then the server-relayed indirect path, then give up.
// Every connection Connect returns has completed its peer-init exchange.
type Dialer struct {
	opts    Options
	log     *logrus.Logger
	pending *pendingConnects
	tokens  *tokenSource

	relayMu sync.RWMutex
	relay   RelayFunc
}

// NewDialer creates a dialer sharing the pending-connect table and token
// source with the listener and transfer engine.
func NewDialer(opts Options, pending *pendingConnects, tokens *tokenSource) *Dialer {
	o := opts.withDefaults()
	return &Dialer{
		opts:    o,
		log:     o.Logger,
		pending: pending,
		tokens:  tokens,
	}
}

// SetRelay wires the server session's relay request. Until set, indirect
// connections fail immediately.
func (d *Dialer) SetRelay(relay RelayFunc) {
	d.relayMu.Lock()
	d.relay = relay
	d.relayMu.Unlock()
}

func (d *Dialer) relayFunc() RelayFunc {
	d.relayMu.RLock()
	defer d.relayMu.RUnlock()
	return d.relay
}

// Connect establishes a peer connection of the given kind. Failure of the
// direct leg falls through to the indirect leg; failure of both is reported
// as a HandshakeError for the caller's own retry policy.
func (d *Dialer) Connect(ctx context.Context, peer PeerIdentity, kind ConnKind) (*Conn, error) {
	conn, directErr := d.connectDirect(ctx, peer, kind)
	if directErr == nil {
		return conn, nil
	}
	d.log.WithFields(logrus.Fields{
		"peer": peer.Username,
		"kind": kind,
	}).WithError(directErr).Debug("direct connect failed, trying indirect")

	return d.connectIndirect(ctx, peer, kind)
}

func (d *Dialer) connectDirect(ctx context.Context, peer PeerIdentity, kind ConnKind) (*Conn, error) {
	var lastErr error
	for _, ep := range peer.Endpoints {
		if ep.IP == nil || ep.IP.IsUnspecified() || ep.Port == 0 {
			continue
		}
		addr := net.JoinHostPort(ep.IP.String(), fmt.Sprintf("%d", ep.Port))

		dialer := net.Dialer{Timeout: d.opts.DirectTimeout}
		raw, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}

		conn, err := d.finishOutbound(raw, peer, kind)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no dialable endpoints")
	}
	return nil, &HandshakeError{Username: peer.Username, Kind: kind, Err: lastErr}
}

// finishOutbound sends PeerInit on a freshly dialed connection. The PeerInit
// token is always zero for file-transfer kind and initiator-chosen otherwise.
func (d *Dialer) finishOutbound(raw net.Conn, peer PeerIdentity, kind ConnKind) (*Conn, error) {
	conn := newConn(raw, kind, d.opts.PeerMessageLimit, d.opts.InflateLimit)
	conn.setState(StateAwaitingPeerInit)

	var token uint32
	if kind != KindFile {
		token = d.tokens.take(peer.Username)
		defer d.tokens.release(peer.Username, token)
	}

	init := &wire.PeerInit{
		Username: d.opts.Username,
		ConnType: kind.wireType(),
		Token:    token,
	}
	if err := conn.WritePeerInit(wire.CodePeerInit, init); err != nil {
		conn.closeWithError(err, StateClosed)
		return nil, &HandshakeError{Username: peer.Username, Kind: kind, Err: err}
	}

	conn.setState(StateEstablished)
	return conn, nil
}

func (d *Dialer) connectIndirect(ctx context.Context, peer PeerIdentity, kind ConnKind) (*Conn, error) {
	relay := d.relayFunc()
	if relay == nil {
		return nil, &HandshakeError{
			Username: peer.Username,
			Kind:     kind,
			Indirect: true,
			Err:      errors.New("no server session for relay"),
		}
	}

	token := d.tokens.take(peer.Username)
	defer d.tokens.release(peer.Username, token)

	waiter := d.pending.addToken(token, kind)
	defer d.pending.dropToken(token)

	if err := relay(token, peer.Username, kind.wireType()); err != nil {
		return nil, &HandshakeError{Username: peer.Username, Kind: kind, Indirect: true, Err: err}
	}

	// Indirect waits on a third party, hence the longer ceiling.
	timer := time.NewTimer(d.opts.IndirectTimeout)
	defer timer.Stop()

	select {
	case conn := <-waiter:
		if conn == nil {
			// Server reported CantConnectToPeer for this token.
			return nil, &HandshakeError{
				Username: peer.Username,
				Kind:     kind,
				Indirect: true,
				Err:      errors.New("peer could not connect back"),
			}
		}
		return conn, nil
	case <-timer.C:
		return nil, &HandshakeError{Username: peer.Username, Kind: kind, Indirect: true, Err: ErrHandshakeTimeout}
	case <-ctx.Done():
		return nil, &HandshakeError{Username: peer.Username, Kind: kind, Indirect: true, Err: ctx.Err()}
	}
}

// CancelToken fails a pending indirect request, typically on an inbound
// CantConnectToPeer. Delivery consumes the one-shot waiter, so a late
// PierceFirewall for the same token finds nothing and is dropped.
func (d *Dialer) CancelToken(token uint32) {
	if w, ok := d.pending.resolveToken(token); ok {
		w.ch <- nil
	}
}

// PierceRemote handles an inbound ConnectToPeer relay request: the remote
// could not reach us directly, so we open the TCP connection and present
// their token via PierceFirewall. The caller routes the connection the same
// way a listener-accepted one is routed.
func (d *Dialer) PierceRemote(ctx context.Context, msg *wire.ConnectToPeer) (*Conn, ConnKind, error) {
	kind, ok := kindFromWireType(msg.ConnType)
	if !ok {
		return nil, "", &HandshakeError{
			Username: msg.Username,
			Kind:     ConnKind(msg.ConnType),
			Err:      errors.New("unknown connection type"),
		}
	}

	addr := net.JoinHostPort(msg.IP.String(), fmt.Sprintf("%d", msg.Port))
	dialer := net.Dialer{Timeout: d.opts.DirectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, kind, &HandshakeError{Username: msg.Username, Kind: kind, Err: err}
	}

	conn := newConn(raw, kind, d.opts.PeerMessageLimit, d.opts.InflateLimit)
	conn.setState(StateAwaitingPeerInit)
	if err := conn.WritePeerInit(wire.CodePierceFirewall, &wire.PierceFirewall{Token: msg.Token}); err != nil {
		conn.closeWithError(err, StateClosed)
		return nil, kind, &HandshakeError{Username: msg.Username, Kind: kind, Err: err}
	}

	conn.setState(StateEstablished)
	return conn, kind, nil
}

// InboundConn is one accepted and handshaked peer connection.
type InboundConn struct {
	Username string
	Kind     ConnKind
	Token    uint32
	Conn     *Conn
}

// Listener accepts inbound TCP sessions and completes the receiving half of
// the handshake state machine. The first message on any inbound connection
// must be PeerInit or PierceFirewall within the direct timeout; anything
// else drops the connection.
type Listener struct {
	opts    Options
	log     *logrus.Logger
	ln      net.Listener
	pending *pendingConnects

	incoming chan InboundConn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the peer listener and its accept loop.
func Listen(opts Options, pending *pendingConnects) (*Listener, error) {
	o := opts.withDefaults()

	ln, err := net.Listen("tcp", o.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", o.ListenAddress, err)
	}

	l := &Listener{
		opts:     o,
		log:      o.Logger,
		ln:       ln,
		pending:  pending,
		incoming: make(chan InboundConn, 16),
		closed:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the listening TCP port.
func (l *Listener) Port() uint32 {
	if addr, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return uint32(addr.Port)
	}
	return 0
}

// Incoming returns accepted messaging and distributed connections.
// File-transfer connections are resolved against the pending table instead
// and never surface here.
func (l *Listener) Incoming() <-chan InboundConn { return l.incoming }

// Close stops accepting and waits for in-flight handshakes.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.ln.Close()
		l.wg.Wait()
		close(l.incoming)
	})
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		raw, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}
			l.log.WithError(err).Warn("accept peer connection")
			continue
		}

		l.wg.Add(1)
		go l.handleInbound(raw)
	}
}

func (l *Listener) handleInbound(raw net.Conn) {
	defer l.wg.Done()

	if err := raw.SetReadDeadline(time.Now().Add(l.opts.DirectTimeout)); err != nil {
		_ = raw.Close()
		return
	}

	code, payload, err := wire.ReadPeerInitFrame(raw, l.opts.PeerMessageLimit)
	if err != nil {
		l.log.WithError(err).Debug("inbound connection without peer-init")
		_ = raw.Close()
		return
	}
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		_ = raw.Close()
		return
	}

	switch code {
	case wire.CodePierceFirewall:
		var pierce wire.PierceFirewall
		if err := pierce.UnmarshalPayload(payload); err != nil {
			_ = raw.Close()
			return
		}
		l.handlePierce(raw, pierce.Token)

	case wire.CodePeerInit:
		var init wire.PeerInit
		if err := init.UnmarshalPayload(payload); err != nil {
			_ = raw.Close()
			return
		}
		l.handlePeerInit(raw, init)

	default:
		_ = raw.Close()
	}
}

// handlePierce matches an inbound PierceFirewall against the pending-connect
// table by token and promotes the waiting request to Established.
func (l *Listener) handlePierce(raw net.Conn, token uint32) {
	w, ok := l.pending.resolveToken(token)
	if !ok {
		l.log.WithField("token", token).Debug("pierce firewall for unknown token")
		_ = raw.Close()
		return
	}

	conn := newConn(raw, w.kind, l.opts.PeerMessageLimit, l.opts.InflateLimit)
	conn.setState(StateEstablished)
	w.ch <- conn
}

func (l *Listener) handlePeerInit(raw net.Conn, init wire.PeerInit) {
	kind, ok := kindFromWireType(init.ConnType)
	if !ok || init.Username == "" {
		_ = raw.Close()
		return
	}

	conn := newConn(raw, kind, l.opts.PeerMessageLimit, l.opts.InflateLimit)
	conn.setState(StateEstablished)

	if kind == KindFile {
		// File-transfer peer-init carries a zero token; matching keys on
		// the peer identity, never on the token, so two peers with
		// colliding zero tokens cannot be cross-matched.
		if w, ok := l.pending.resolveUser(init.Username); ok {
			w.ch <- conn
			return
		}
		l.log.WithField("peer", init.Username).Debug("unsolicited file connection")
		conn.closeWithError(nil, StateClosed)
		return
	}

	select {
	case l.incoming <- InboundConn{Username: init.Username, Kind: kind, Token: init.Token, Conn: conn}:
	case <-l.closed:
		conn.closeWithError(nil, StateClosed)
	}
}
