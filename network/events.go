package network

import (
	"net"

	"slsk/wire"
)

// Endpoint is one known address of a peer.
type Endpoint struct {
	IP   net.IP
	Port uint32
}

// PeerIdentity names a peer and the endpoints worth dialing, most recently
// learned first. Identity records are replaced, never mutated.
type PeerIdentity struct {
	Username  string
	Endpoints []Endpoint
}

// WithEndpoint returns a copy with the given endpoint prepended.
func (p PeerIdentity) WithEndpoint(ip net.IP, port uint32) PeerIdentity {
	eps := make([]Endpoint, 0, len(p.Endpoints)+1)
	eps = append(eps, Endpoint{IP: ip, Port: port})
	eps = append(eps, p.Endpoints...)
	return PeerIdentity{Username: p.Username, Endpoints: eps}
}

// Events receives client notifications. Every slot is optional; nil slots
// are skipped. Callbacks run on client goroutines and must not block.
type Events struct {
	// OnSearchResults delivers one peer's results for a live search token.
	OnSearchResults func(token uint32, result wire.SearchResult)
	// OnTransferProgress reports bytes moved and the current rate in
	// bytes per second.
	OnTransferProgress func(id string, bytes int64, speed float64)
	// OnTransferDone fires once when a transfer reaches a terminal state.
	OnTransferDone func(t Transfer)
	// OnPeerMessage delivers peer messages the client does not consume
	// itself.
	OnPeerMessage func(username string, msg wire.PeerMessage)
	// OnPrivateMessage delivers an inbound private message.
	OnPrivateMessage func(msg wire.MessageUser)
	// OnRoomMessage delivers an inbound chatroom message.
	OnRoomMessage func(msg wire.SayChatroom)
	// OnServerState reports server session transitions.
	OnServerState func(state ServerState)
}

func (e *Events) emitSearchResults(token uint32, result wire.SearchResult) {
	if e != nil && e.OnSearchResults != nil {
		e.OnSearchResults(token, result)
	}
}

func (e *Events) emitTransferProgress(id string, bytes int64, speed float64) {
	if e != nil && e.OnTransferProgress != nil {
		e.OnTransferProgress(id, bytes, speed)
	}
}

func (e *Events) emitTransferDone(t Transfer) {
	if e != nil && e.OnTransferDone != nil {
		e.OnTransferDone(t)
	}
}

func (e *Events) emitPeerMessage(username string, msg wire.PeerMessage) {
	if e != nil && e.OnPeerMessage != nil {
		e.OnPeerMessage(username, msg)
	}
}

func (e *Events) emitPrivateMessage(msg wire.MessageUser) {
	if e != nil && e.OnPrivateMessage != nil {
		e.OnPrivateMessage(msg)
	}
}

func (e *Events) emitRoomMessage(msg wire.SayChatroom) {
	if e != nil && e.OnRoomMessage != nil {
		e.OnRoomMessage(msg)
	}
}

func (e *Events) emitServerState(state ServerState) {
	if e != nil && e.OnServerState != nil {
		e.OnServerState(state)
	}
}
