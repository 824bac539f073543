package network

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Pool owns every live peer connection. Messaging sessions are deduplicated
// by username; the total connection count of all kinds is capped by a
// weighted semaphore. Urgent requests may evict an idle session to stay
// under the ceiling; casual requests fail fast with ErrPoolExhausted.
type Pool struct {
	opts     Options
	log      *logrus.Logger
	dialer   *Dialer
	searches *SearchRegistry
	handler  peerHandler

	slots *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*PeerSession
	conns    map[*Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates the pool and starts its idle reaper.
func NewPool(opts Options, dialer *Dialer, searches *SearchRegistry, handler peerHandler) *Pool {
	o := opts.withDefaults()
	p := &Pool{
		opts:     o,
		log:      o.Logger,
		dialer:   dialer,
		searches: searches,
		handler:  handler,
		slots:    semaphore.NewWeighted(o.MaxPeerConnections),
		sessions: make(map[string]*PeerSession),
		conns:    make(map[*Conn]struct{}),
		closed:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.reapLoop()
	return p
}

// Session returns the messaging session for a peer, dialing one if needed.
// Concurrent callers for the same peer share one connection.
func (p *Pool) Session(ctx context.Context, peer PeerIdentity) (*PeerSession, error) {
	p.mu.Lock()
	if s, ok := p.sessions[peer.Username]; ok && s.conn.State() == StateEstablished {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	if err := p.acquire(ctx, false); err != nil {
		return nil, err
	}

	conn, err := p.dialer.Connect(ctx, peer, KindPeer)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	return p.adopt(peer.Username, conn), nil
}

// FileConn dials a file-transfer connection. Transfers are urgent: hitting
// the ceiling evicts the longest-idle messaging session rather than
// failing.
func (p *Pool) FileConn(ctx context.Context, peer PeerIdentity) (*Conn, error) {
	if err := p.acquire(ctx, true); err != nil {
		return nil, err
	}
	conn, err := p.dialer.Connect(ctx, peer, KindFile)
	if err != nil {
		p.slots.Release(1)
		return nil, err
	}
	p.track(conn)
	return conn, nil
}

// AdoptFile registers an externally established file connection, typically
// one resolved from the pending-connect table by the listener. Urgent, like
// FileConn. Connections the pool already tracks keep their single slot.
func (p *Pool) AdoptFile(ctx context.Context, conn *Conn) error {
	p.mu.Lock()
	_, tracked := p.conns[conn]
	p.mu.Unlock()
	if tracked {
		return nil
	}
	if err := p.acquire(ctx, true); err != nil {
		conn.Close()
		return err
	}
	if !p.track(conn) {
		p.slots.Release(1)
	}
	return nil
}

// AdoptInbound registers an accepted messaging connection and starts its
// read loop. An existing session for the same peer is replaced: the remote
// opened a fresh connection because it considers the old one dead.
func (p *Pool) AdoptInbound(in InboundConn) error {
	if err := p.acquire(context.Background(), false); err != nil {
		in.Conn.Close()
		return err
	}
	p.adopt(in.Username, in.Conn)
	return nil
}

func (p *Pool) adopt(username string, conn *Conn) *PeerSession {
	s := newPeerSession(username, conn, p.log, p.searches, p.handler)

	p.mu.Lock()
	if old, ok := p.sessions[username]; ok {
		old.conn.Close()
	}
	p.sessions[username] = s
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.readLoop()
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-conn.Done()
		p.forget(username, conn)
	}()
	return s
}

// track records the connection and reports whether it was new; a known
// connection keeps its existing slot and watcher.
func (p *Pool) track(conn *Conn) bool {
	p.mu.Lock()
	if _, ok := p.conns[conn]; ok {
		p.mu.Unlock()
		return false
	}
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-conn.Done()
		p.forget("", conn)
	}()
	return true
}

func (p *Pool) forget(username string, conn *Conn) {
	p.mu.Lock()
	if _, ok := p.conns[conn]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.conns, conn)
	if username != "" {
		if s, ok := p.sessions[username]; ok && s.conn == conn {
			delete(p.sessions, username)
		}
	}
	p.mu.Unlock()
	p.slots.Release(1)
}

// acquire claims one connection slot. Casual requests never wait; urgent
// requests evict the longest-idle session first and then wait briefly for
// its slot to free up.
func (p *Pool) acquire(ctx context.Context, urgent bool) error {
	if p.slots.TryAcquire(1) {
		return nil
	}
	if !urgent {
		return ErrPoolExhausted
	}

	if !p.evictIdlest() {
		return ErrPoolExhausted
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.DirectTimeout)
	defer cancel()
	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		return ErrPoolExhausted
	}
	return nil
}

// evictIdlest closes the longest-idle messaging session to make room.
func (p *Pool) evictIdlest() bool {
	p.mu.Lock()
	var victim *PeerSession
	var idlest time.Duration
	for _, s := range p.sessions {
		if idle := s.conn.IdleFor(); victim == nil || idle > idlest {
			victim, idlest = s, idle
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return false
	}
	p.log.WithField("peer", victim.Username).Debug("evicting idle session for urgent connection")
	victim.conn.closeGhost()
	return true
}

// reapLoop periodically closes connections idle beyond the window and
// sweeps expired search tokens.
func (p *Pool) reapLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reap()
			if p.searches != nil {
				p.searches.Sweep()
			}
		case <-p.closed:
			return
		}
	}
}

func (p *Pool) reap() {
	p.mu.Lock()
	var ghosts []*Conn
	for conn := range p.conns {
		// File streams are busy by definition while tracked; only
		// messaging and distributed links go stale silently.
		if conn.Kind() == KindFile {
			continue
		}
		if conn.IdleFor() > p.opts.IdleWindow {
			ghosts = append(ghosts, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range ghosts {
		p.log.WithField("remote", conn.RemoteAddr().String()).Debug("reaping ghost connection")
		conn.closeGhost()
	}
}

// Len returns the number of live connections of all kinds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close terminates every connection and stops the reaper.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.mu.Lock()
		for conn := range p.conns {
			conn.Close()
		}
		p.mu.Unlock()
		p.wg.Wait()
	})
	return nil
}
