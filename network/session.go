package network

import (
	"errors"

	"github.com/sirupsen/logrus"

	"slsk/wire"
)

// peerHandler receives decoded peer messages from a session's read loop.
type peerHandler interface {
	handlePeerMessage(username string, msg wire.PeerMessage)
}

// PeerSession is one established peer messaging connection with its read
// loop. Search responses are gated on the token registry before the
// compressed payload is parsed; everything else decodes eagerly.
type PeerSession struct {
	Username string

	conn     *Conn
	log      *logrus.Logger
	searches *SearchRegistry
	handler  peerHandler
}

func newPeerSession(username string, conn *Conn, log *logrus.Logger, searches *SearchRegistry, handler peerHandler) *PeerSession {
	return &PeerSession{
		Username: username,
		conn:     conn,
		log:      log,
		searches: searches,
		handler:  handler,
	}
}

// Send writes one peer message.
func (s *PeerSession) Send(msg wire.PeerMessage) error {
	return s.conn.WritePeer(msg)
}

// Done is closed when the underlying connection terminates.
func (s *PeerSession) Done() <-chan struct{} { return s.conn.Done() }

// Close terminates the session.
func (s *PeerSession) Close() error { return s.conn.Close() }

// readLoop decodes inbound messages until the connection dies. Codec
// failures skip the message; stream failures end the loop.
func (s *PeerSession) readLoop() {
	for {
		code, payload, err := s.conn.ReadPeerRaw()
		if err != nil {
			var ce *wire.CodecError
			if errors.As(err, &ce) && !s.conn.State().terminal() {
				// Oversized or otherwise unreadable frame; the stream is
				// still aligned on the next message.
				s.log.WithField("peer", s.Username).WithError(err).Debug("discarding unreadable peer frame")
				continue
			}
			if !errors.Is(err, ErrConnClosed) {
				s.log.WithField("peer", s.Username).WithError(err).Debug("peer read loop ended")
			}
			return
		}

		if code == wire.CodeFileSearchResponse && s.searches != nil {
			token, err := wire.PeekSearchToken(payload, s.conn.inflateLimit)
			if err != nil {
				s.log.WithField("peer", s.Username).WithError(err).Debug("unreadable search response")
				continue
			}
			if _, live := s.searches.Lookup(token); !live {
				// Late result for an expired or foreign token.
				continue
			}
		}

		msg, err := wire.DecodePeerMessage(code, payload, s.conn.inflateLimit)
		if err != nil {
			var ce *wire.CodecError
			if errors.As(err, &ce) {
				s.log.WithFields(logrus.Fields{
					"peer": s.Username,
					"code": uint32(code),
				}).WithError(err).Debug("discarding undecodable peer message")
				continue
			}
			return
		}

		if s.handler != nil {
			s.handler.handlePeerMessage(s.Username, msg)
		}
	}
}
