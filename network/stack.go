package network

import (
	"context"

	"slsk/wire"
)

// Stack bundles the connection machinery around one shared pending-connect
// table and token source: dialer, listener, pool, server session, and
// transfer engine.
type Stack struct {
	Dialer   *Dialer
	Listener *Listener
	Pool     *Pool
	Server   *ServerSession
	Engine   *Engine
	Searches *SearchRegistry

	events *Events
}

// messageRouter feeds decoded peer messages to the transfer engine first
// and surfaces the rest through events. The engine is attached after the
// pool exists; until then messages only reach events.
type messageRouter struct {
	engine *Engine
	events *Events
}

func (r *messageRouter) handlePeerMessage(username string, msg wire.PeerMessage) {
	if sr, ok := msg.(*wire.FileSearchResponse); ok {
		r.events.emitSearchResults(sr.Token, sr.SearchResult)
		return
	}
	if r.engine != nil && r.engine.HandlePeerMessage(username, msg) {
		return
	}
	r.events.emitPeerMessage(username, msg)
}

// NewStack builds and starts the connection machinery. The listener starts
// accepting immediately; the server session connects when Start is called.
func NewStack(opts Options, store TransferStore, shares SharedProvider, events *Events) (*Stack, error) {
	o := opts.withDefaults()
	if err := o.validate(); err != nil {
		return nil, err
	}
	if events == nil {
		events = &Events{}
	}

	pending := newPendingConnects()
	tokens := newTokenSource()
	searches := NewSearchRegistry(o.SearchTTL)
	router := &messageRouter{events: events}

	dialer := NewDialer(o, pending, tokens)

	listener, err := Listen(o, pending)
	if err != nil {
		return nil, err
	}

	pool := NewPool(o, dialer, searches, router)
	engine := NewEngine(o, pool, pending, tokens, store, shares, events)
	router.engine = engine

	server := NewServerSession(o, dialer, pending, searches, tokens, events, func(in InboundConn) {
		if err := pool.AdoptInbound(in); err != nil {
			o.Logger.WithField("peer", in.Username).WithError(err).Debug("dropping relayed inbound connection")
		}
	})
	server.SetListenPort(listener.Port())

	s := &Stack{
		Dialer:   dialer,
		Listener: listener,
		Pool:     pool,
		Server:   server,
		Engine:   engine,
		Searches: searches,
		events:   events,
	}
	go s.routeInbound()
	return s, nil
}

// routeInbound hands listener-accepted connections to the pool.
func (s *Stack) routeInbound() {
	for in := range s.Listener.Incoming() {
		if err := s.Pool.AdoptInbound(in); err != nil {
			s.Pool.log.WithField("peer", in.Username).WithError(err).Debug("dropping inbound connection")
		}
	}
}

// Start connects to the server and logs in.
func (s *Stack) Start(ctx context.Context) error {
	return s.Server.Connect(ctx)
}

// Close tears everything down: engine first so transfers terminate
// cleanly, then the session, pool, and listener.
func (s *Stack) Close() error {
	err := s.Engine.Close()
	if serr := s.Server.Close(); err == nil {
		err = serr
	}
	if perr := s.Pool.Close(); err == nil {
		err = perr
	}
	if lerr := s.Listener.Close(); err == nil {
		err = lerr
	}
	return err
}
