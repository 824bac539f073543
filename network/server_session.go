package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"slsk/wire"
)

// ServerState is the server session's lifecycle stage.
type ServerState string

const (
	ServerDisconnected ServerState = "disconnected"
	ServerConnecting   ServerState = "connecting"
	ServerLoggingIn    ServerState = "logging-in"
	ServerOnline       ServerState = "online"
	// ServerKicked means the same account logged in elsewhere; the session
	// will not reconnect on its own.
	ServerKicked ServerState = "kicked"
)

// BranchStatus summarizes this client's position in the distributed
// network.
type BranchStatus struct {
	HasParent    bool
	Level        uint32
	Root         string
	MinSpeed     uint32
	SpeedRatio   uint32
	KnownParents []wire.PossibleParent
}

// ServerSession is the single connection to the central server: login,
// search dispatch, connect-to-peer relaying, presence, chat, and the
// distributed-network bookkeeping.
type ServerSession struct {
	opts     Options
	log      *logrus.Logger
	events   *Events
	dialer   *Dialer
	pending  *pendingConnects
	searches *SearchRegistry
	tokens   *tokenSource

	// inboundFunc routes messaging and distributed connections opened on
	// behalf of a remote relay request, the same way listener-accepted
	// connections are routed.
	inboundFunc func(InboundConn)

	// listenPort is announced after login.
	listenPort uint32

	mu      sync.Mutex
	conn    *Conn
	state   ServerState
	ownIP   net.IP
	loginCh chan *wire.LoginResponse
	addrs   map[string]chan *wire.GetPeerAddressResponse

	branchMu sync.Mutex
	branch   BranchStatus

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServerSession creates a session. It does not connect; call Connect.
func NewServerSession(opts Options, dialer *Dialer, pending *pendingConnects, searches *SearchRegistry, tokens *tokenSource, events *Events, inbound func(InboundConn)) *ServerSession {
	o := opts.withDefaults()
	s := &ServerSession{
		opts:        o,
		log:         o.Logger,
		events:      events,
		dialer:      dialer,
		pending:     pending,
		searches:    searches,
		tokens:      tokens,
		inboundFunc: inbound,
		state:       ServerDisconnected,
		addrs:       make(map[string]chan *wire.GetPeerAddressResponse),
		closed:      make(chan struct{}),
	}
	dialer.SetRelay(s.requestRelay)
	return s
}

// SetListenPort records the port announced to the server after login.
func (s *ServerSession) SetListenPort(port uint32) {
	s.mu.Lock()
	s.listenPort = port
	s.mu.Unlock()
}

// State returns the session state.
func (s *ServerSession) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OwnIP returns the external address reported at login, if any.
func (s *ServerSession) OwnIP() net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownIP
}

// Branch returns the distributed-network position.
func (s *ServerSession) Branch() BranchStatus {
	s.branchMu.Lock()
	defer s.branchMu.Unlock()
	st := s.branch
	st.KnownParents = append([]wire.PossibleParent(nil), s.branch.KnownParents...)
	return st
}

func (s *ServerSession) setState(state ServerState) {
	s.mu.Lock()
	// A kick is deliberate; the dying connection's read loop must not
	// water it down to a plain disconnect, or the host loses the
	// do-not-reconnect signal.
	if s.state == ServerKicked && state == ServerDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	s.events.emitServerState(state)
}

// Connect dials the server and logs in, retrying with exponential backoff
// until ctx is cancelled or login is rejected outright.
func (s *ServerSession) Connect(ctx context.Context) error {
	if err := s.opts.validate(); err != nil {
		return err
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := s.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if err == ErrLoginRejected {
			// Bad credentials do not improve with retries.
			return backoff.Permanent(err)
		}
		s.log.WithError(err).Warn("server connect failed, backing off")
		return err
	}, policy)
}

func (s *ServerSession) connectOnce(ctx context.Context) error {
	s.setState(ServerConnecting)

	dialer := net.Dialer{Timeout: s.opts.DirectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", s.opts.ServerAddress)
	if err != nil {
		s.setState(ServerDisconnected)
		return fmt.Errorf("dial server %q: %w", s.opts.ServerAddress, err)
	}

	conn := newConn(raw, KindServer, s.opts.ServerMessageLimit, s.opts.InflateLimit)
	conn.setState(StateEstablished)

	s.mu.Lock()
	s.conn = conn
	s.loginCh = make(chan *wire.LoginResponse, 1)
	loginCh := s.loginCh
	port := s.listenPort
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
	}()

	s.setState(ServerLoggingIn)
	err = conn.WriteServer(&wire.Login{
		Username:     s.opts.Username,
		Password:     s.opts.Password,
		Version:      s.opts.ClientVersion,
		MinorVersion: s.opts.MinorVersion,
	})
	if err != nil {
		conn.Close()
		s.setState(ServerDisconnected)
		return err
	}

	var resp *wire.LoginResponse
	select {
	case resp = <-loginCh:
	case <-conn.Done():
		s.setState(ServerDisconnected)
		return ErrConnClosed
	case <-ctx.Done():
		conn.Close()
		s.setState(ServerDisconnected)
		return ctx.Err()
	}

	if !resp.Success {
		conn.Close()
		s.setState(ServerDisconnected)
		s.log.WithField("reason", resp.FailureReason).Warn("login rejected")
		return ErrLoginRejected
	}

	s.mu.Lock()
	s.ownIP = resp.OwnIP
	s.mu.Unlock()

	if port != 0 {
		_ = conn.WriteServer(&wire.SetWaitPort{Port: port})
	}
	// Fresh session starts parentless and childless in the distributed
	// network.
	_ = conn.WriteServer(&wire.HaveNoParent{Value: true})
	_ = conn.WriteServer(&wire.AcceptChildren{Value: false})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pingLoop(conn)
	}()

	s.setState(ServerOnline)
	s.log.WithFields(logrus.Fields{
		"server": s.opts.ServerAddress,
		"user":   s.opts.Username,
	}).Info("logged in")
	return nil
}

// current returns the live connection, or nil with ErrNotLoggedIn.
func (s *ServerSession) current() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ServerOnline || s.conn == nil {
		return nil, ErrNotLoggedIn
	}
	return s.conn, nil
}

// Send writes one server message on the live session.
func (s *ServerSession) Send(msg wire.ServerMessage) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	return conn.WriteServer(msg)
}

// Search fans a query out to the network and returns its correlation
// token. Results arrive via Events.OnSearchResults until the token's TTL
// lapses.
func (s *ServerSession) Search(query string) (uint32, error) {
	conn, err := s.current()
	if err != nil {
		return 0, err
	}
	token := s.tokens.take(s.opts.Username)
	s.tokens.release(s.opts.Username, token)
	s.searches.Register(token, query)
	if err := conn.WriteServer(&wire.FileSearch{Token: token, Query: query}); err != nil {
		s.searches.Cancel(token)
		return 0, err
	}
	return token, nil
}

// CancelSearch stops accepting results for a token.
func (s *ServerSession) CancelSearch(token uint32) {
	s.searches.Cancel(token)
}

// ResolveAddress asks the server for a user's last known endpoint.
func (s *ServerSession) ResolveAddress(ctx context.Context, username string) (*wire.GetPeerAddressResponse, error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}

	ch := make(chan *wire.GetPeerAddressResponse, 1)
	s.mu.Lock()
	s.addrs[username] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.addrs, username)
		s.mu.Unlock()
	}()

	if err := conn.WriteServer(&wire.GetPeerAddress{Username: username}); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-conn.Done():
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// requestRelay asks the server to forward a connect-to-peer request; wired
// into the dialer's indirect leg.
func (s *ServerSession) requestRelay(token uint32, username, connType string) error {
	return s.Send(&wire.ConnectToPeer{Token: token, Username: username, ConnType: connType})
}

func (s *ServerSession) pingLoop(conn *Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteServer(&wire.ServerPing{}); err != nil {
				return
			}
		case <-conn.Done():
			return
		case <-s.closed:
			return
		}
	}
}

func (s *ServerSession) readLoop(conn *Conn) {
	for {
		msg, err := conn.ReadServer()
		if err != nil {
			if conn.State().terminal() {
				s.setState(ServerDisconnected)
				return
			}
			// Codec failure: drop the message, keep the session.
			s.log.WithError(err).Debug("discarding undecodable server message")
			continue
		}
		s.dispatch(conn, msg)
	}
}

func (s *ServerSession) dispatch(conn *Conn, msg wire.ServerMessage) {
	switch m := msg.(type) {
	case *wire.LoginResponse:
		s.mu.Lock()
		ch := s.loginCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}

	case *wire.ConnectToPeer:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRelayRequest(m)
		}()

	case *wire.CantConnectToPeer:
		s.dialer.CancelToken(m.Token)

	case *wire.GetPeerAddressResponse:
		s.mu.Lock()
		ch := s.addrs[m.Username]
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}

	case *wire.MessageUser:
		// Ack first so the server stops redelivering even if the host's
		// callback panics.
		_ = conn.WriteServer(&wire.MessageAcked{ID: m.ID})
		s.events.emitPrivateMessage(*m)

	case *wire.SayChatroom:
		s.events.emitRoomMessage(*m)

	case *wire.Relogged:
		s.log.Warn("account logged in elsewhere, dropping session")
		conn.Close()
		s.setState(ServerKicked)

	case *wire.ParentMinSpeed:
		s.branchMu.Lock()
		s.branch.MinSpeed = m.Speed
		s.branchMu.Unlock()

	case *wire.ParentSpeedRatio:
		s.branchMu.Lock()
		s.branch.SpeedRatio = m.Ratio
		s.branchMu.Unlock()

	case *wire.PossibleParents:
		s.branchMu.Lock()
		s.branch.KnownParents = m.Parents
		s.branchMu.Unlock()

	case *wire.EmbeddedMessage:
		s.handleEmbedded(m)

	default:
		// Presence, room, and stats traffic is informational here.
	}
}

// handleEmbedded decodes a distributed message delivered via the server for
// parentless clients. Search requests update the branch bookkeeping only;
// answering them requires a local share index.
func (s *ServerSession) handleEmbedded(m *wire.EmbeddedMessage) {
	dm, err := wire.DecodeDistributedMessage(m.Code, m.Payload)
	if err != nil {
		s.log.WithError(err).Debug("discarding undecodable embedded message")
		return
	}
	switch d := dm.(type) {
	case *wire.DistribBranchLevel:
		s.branchMu.Lock()
		s.branch.Level = d.Level
		s.branchMu.Unlock()
	case *wire.DistribBranchRoot:
		s.branchMu.Lock()
		s.branch.Root = d.Username
		s.branchMu.Unlock()
	}
}

// handleRelayRequest serves an inbound ConnectToPeer: the remote could not
// reach us, so we open the connection and pierce with their token.
func (s *ServerSession) handleRelayRequest(m *wire.ConnectToPeer) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.IndirectTimeout)
	defer cancel()

	conn, kind, err := s.dialer.PierceRemote(ctx, m)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"peer": m.Username,
			"kind": m.ConnType,
		}).WithError(err).Debug("reverse connect failed")
		_ = s.Send(&wire.CantConnectToPeer{Token: m.Token, Username: m.Username})
		return
	}

	if kind == KindFile {
		if w, ok := s.pending.resolveUser(m.Username); ok {
			w.ch <- conn
			return
		}
		// The remote is about to send its own transfer preamble; without
		// a waiting transfer there is nothing to attach it to.
		if s.inboundFunc != nil {
			s.inboundFunc(InboundConn{Username: m.Username, Kind: kind, Token: m.Token, Conn: conn})
			return
		}
		conn.Close()
		return
	}

	if s.inboundFunc != nil {
		s.inboundFunc(InboundConn{Username: m.Username, Kind: kind, Token: m.Token, Conn: conn})
		return
	}
	conn.Close()
}

// Close terminates the session.
func (s *ServerSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.wg.Wait()
		s.setState(ServerDisconnected)
	})
	return nil
}
