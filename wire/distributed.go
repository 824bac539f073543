package wire

// DistributedCode identifies a distributed-network message. Distributed
// codes occupy a single byte on the wire.
type DistributedCode uint8

const (
	CodeDistribPing            DistributedCode = 0
	CodeDistribSearchRequest   DistributedCode = 3
	CodeDistribBranchLevel     DistributedCode = 4
	CodeDistribBranchRoot      DistributedCode = 5
	CodeDistribEmbeddedMessage DistributedCode = 93
)

// DistributedMessage is one decoded distributed-family message.
type DistributedMessage interface {
	DistributedCode() DistributedCode
}

// DistribPing keeps a distributed branch link alive.
type DistribPing struct{}

// DistributedCode implements DistributedMessage.
func (*DistribPing) DistributedCode() DistributedCode { return CodeDistribPing }

// MarshalPayload encodes the ping (empty payload).
func (m *DistribPing) MarshalPayload() []byte { return nil }

// UnmarshalPayload decodes the ping.
func (m *DistribPing) UnmarshalPayload(payload []byte) error { return nil }

// DistribSearchRequest fans one search down the branch: originating user,
// correlation token, query text.
type DistribSearchRequest struct {
	Unknown  uint32
	Username string
	Token    uint32
	Query    string
}

// DistributedCode implements DistributedMessage.
func (*DistribSearchRequest) DistributedCode() DistributedCode { return CodeDistribSearchRequest }

// MarshalPayload encodes the search fan-out.
func (m *DistribSearchRequest) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Unknown)
	w.WriteString(m.Username)
	w.WriteUint32(m.Token)
	w.WriteString(m.Query)
	return w.Bytes()
}

// UnmarshalPayload decodes the search fan-out.
func (m *DistribSearchRequest) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Unknown = r.ReadUint32()
	m.Username = r.ReadString()
	m.Token = r.ReadUint32()
	m.Query = r.ReadString()
	return codecErr("distributed", uint32(CodeDistribSearchRequest), r.Err())
}

// DistribBranchLevel announces this node's depth in the distributed tree.
type DistribBranchLevel struct {
	Level uint32
}

// DistributedCode implements DistributedMessage.
func (*DistribBranchLevel) DistributedCode() DistributedCode { return CodeDistribBranchLevel }

// MarshalPayload encodes the branch level.
func (m *DistribBranchLevel) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Level)
	return w.Bytes()
}

// UnmarshalPayload decodes the branch level.
func (m *DistribBranchLevel) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Level = r.ReadUint32()
	return codecErr("distributed", uint32(CodeDistribBranchLevel), r.Err())
}

// DistribBranchRoot announces the username at the root of this branch.
type DistribBranchRoot struct {
	Username string
}

// DistributedCode implements DistributedMessage.
func (*DistribBranchRoot) DistributedCode() DistributedCode { return CodeDistribBranchRoot }

// MarshalPayload encodes the branch root.
func (m *DistribBranchRoot) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	return w.Bytes()
}

// UnmarshalPayload decodes the branch root.
func (m *DistribBranchRoot) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Username = r.ReadString()
	return codecErr("distributed", uint32(CodeDistribBranchRoot), r.Err())
}

// DistribEmbeddedMessage wraps another distributed message for forwarding.
type DistribEmbeddedMessage struct {
	Code    DistributedCode
	Payload []byte
}

// DistributedCode implements DistributedMessage.
func (*DistribEmbeddedMessage) DistributedCode() DistributedCode { return CodeDistribEmbeddedMessage }

// MarshalPayload encodes the wrapper.
func (m *DistribEmbeddedMessage) MarshalPayload() []byte {
	var w Writer
	w.WriteUint8(uint8(m.Code))
	w.WriteBytes(m.Payload)
	return w.Bytes()
}

// UnmarshalPayload decodes the wrapper.
func (m *DistribEmbeddedMessage) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Code = DistributedCode(r.ReadUint8())
	if r.Err() != nil {
		return codecErr("distributed", uint32(CodeDistribEmbeddedMessage), r.Err())
	}
	m.Payload = append([]byte(nil), payload[1:]...)
	return nil
}

// DecodeDistributedMessage decodes one inbound distributed message by code.
func DecodeDistributedMessage(code DistributedCode, payload []byte) (DistributedMessage, error) {
	var msg interface {
		DistributedMessage
		UnmarshalPayload([]byte) error
	}

	switch code {
	case CodeDistribPing:
		msg = &DistribPing{}
	case CodeDistribSearchRequest:
		msg = &DistribSearchRequest{}
	case CodeDistribBranchLevel:
		msg = &DistribBranchLevel{}
	case CodeDistribBranchRoot:
		msg = &DistribBranchRoot{}
	case CodeDistribEmbeddedMessage:
		msg = &DistribEmbeddedMessage{}
	default:
		return nil, codecErr("distributed", uint32(code), ErrUnknownCode)
	}

	if err := msg.UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	return msg, nil
}
