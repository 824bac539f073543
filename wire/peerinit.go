package wire

// PeerInitCode identifies a peer-init message. Peer-init codes occupy a
// single byte on the wire and are a separate code space from PeerCode: the
// two must never share a type.
type PeerInitCode uint8

const (
	CodePierceFirewall PeerInitCode = 0
	CodePeerInit       PeerInitCode = 1
)

// Connection kind tags carried inside PeerInit. The tag decides which
// sub-protocol runs on the freshly opened connection.
const (
	ConnTypePeer        = "P"
	ConnTypeFile        = "F"
	ConnTypeDistributed = "D"
)

// PeerInit identifies the initiator on a freshly opened outbound connection:
// username, connection-kind tag, and a token. The token is always zero for
// file-transfer connections and initiator-chosen otherwise.
type PeerInit struct {
	Username string
	ConnType string
	Token    uint32
}

// MarshalPayload encodes the PeerInit payload.
func (m *PeerInit) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	w.WriteString(m.ConnType)
	w.WriteUint32(m.Token)
	return w.Bytes()
}

// UnmarshalPayload decodes the PeerInit payload.
func (m *PeerInit) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Username = r.ReadString()
	m.ConnType = r.ReadString()
	m.Token = r.ReadUint32()
	return codecErr("peer-init", uint32(CodePeerInit), r.Err())
}

// PierceFirewall presents the token of a pending indirect connection request
// on an inbound connection, proving which logical request it satisfies.
type PierceFirewall struct {
	Token uint32
}

// MarshalPayload encodes the PierceFirewall payload.
func (m *PierceFirewall) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Token)
	return w.Bytes()
}

// UnmarshalPayload decodes the PierceFirewall payload.
func (m *PierceFirewall) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Token = r.ReadUint32()
	return codecErr("peer-init", uint32(CodePierceFirewall), r.Err())
}
