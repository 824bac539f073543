package wire

import (
	"crypto/md5"
	"encoding/hex"
	"net"
)

// ServerCode identifies a server message. Server codes occupy four bytes on
// the wire. Codes are stable, network-owned identifiers and are never
// renumbered here.
type ServerCode uint32

const (
	CodeLogin              ServerCode = 1
	CodeSetWaitPort        ServerCode = 2
	CodeGetPeerAddress     ServerCode = 3
	CodeWatchUser          ServerCode = 5
	CodeUnwatchUser        ServerCode = 6
	CodeGetUserStatus      ServerCode = 7
	CodeSayChatroom        ServerCode = 13
	CodeJoinRoom           ServerCode = 14
	CodeLeaveRoom          ServerCode = 15
	CodeUserJoinedRoom     ServerCode = 16
	CodeUserLeftRoom       ServerCode = 17
	CodeConnectToPeer      ServerCode = 18
	CodeMessageUser        ServerCode = 22
	CodeMessageAcked       ServerCode = 23
	CodeFileSearch         ServerCode = 26
	CodeSetStatus          ServerCode = 28
	CodeServerPing         ServerCode = 32
	CodeSharedFoldersFiles ServerCode = 35
	CodeGetUserStats       ServerCode = 36
	// CodeRelogged is treated as "Relogged" per the community protocol
	// reference. Needs live-network verification.
	CodeRelogged         ServerCode = 41
	CodeRoomList         ServerCode = 64
	CodePrivilegedUsers  ServerCode = 69
	CodeHaveNoParent     ServerCode = 71
	CodeParentMinSpeed   ServerCode = 83
	CodeParentSpeedRatio ServerCode = 84
	CodeCheckPrivileges  ServerCode = 92
	CodeEmbeddedMessage  ServerCode = 93
	CodeAcceptChildren   ServerCode = 100
	CodePossibleParents  ServerCode = 102
	CodeWishlistSearch   ServerCode = 103
	CodeWishlistInterval ServerCode = 104
	CodeCantConnectToPeer ServerCode = 1001
)

// ServerMessage is one decoded server-family message.
type ServerMessage interface {
	ServerCode() ServerCode
}

// Login requests authentication. The digest field carries the MD5 hex of
// username+password, a protocol fossil the server still verifies.
type Login struct {
	Username     string
	Password     string
	Version      uint32
	MinorVersion uint32
}

// ServerCode implements ServerMessage.
func (*Login) ServerCode() ServerCode { return CodeLogin }

// MarshalPayload encodes the login request.
func (m *Login) MarshalPayload() []byte {
	sum := md5.Sum([]byte(m.Username + m.Password))
	var w Writer
	w.WriteString(m.Username)
	w.WriteString(m.Password)
	w.WriteUint32(m.Version)
	w.WriteString(hex.EncodeToString(sum[:]))
	w.WriteUint32(m.MinorVersion)
	return w.Bytes()
}

// LoginResponse reports the login outcome. On success OwnIP is the external
// address the server sees for this client.
type LoginResponse struct {
	Success        bool
	Greeting       string
	OwnIP          net.IP
	PasswordDigest string
	FailureReason  string
}

// ServerCode implements ServerMessage.
func (*LoginResponse) ServerCode() ServerCode { return CodeLogin }

// UnmarshalPayload decodes the login response.
func (m *LoginResponse) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Success = r.ReadBool()
	if !m.Success {
		m.FailureReason = r.ReadString()
		return codecErr("server", uint32(CodeLogin), r.Err())
	}
	m.Greeting = r.ReadString()
	m.OwnIP = r.ReadIP()
	if r.Remaining() > 0 {
		m.PasswordDigest = r.ReadString()
	}
	return codecErr("server", uint32(CodeLogin), r.Err())
}

// SetWaitPort announces the local listening port.
type SetWaitPort struct {
	Port uint32
}

// ServerCode implements ServerMessage.
func (*SetWaitPort) ServerCode() ServerCode { return CodeSetWaitPort }

// MarshalPayload encodes the port announcement.
func (m *SetWaitPort) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Port)
	return w.Bytes()
}

// GetPeerAddress asks for a user's last known endpoint.
type GetPeerAddress struct {
	Username string
}

// ServerCode implements ServerMessage.
func (*GetPeerAddress) ServerCode() ServerCode { return CodeGetPeerAddress }

// MarshalPayload encodes the address query.
func (m *GetPeerAddress) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	return w.Bytes()
}

// GetPeerAddressResponse carries a user's last known endpoint. A zero IP
// means the user is offline.
type GetPeerAddressResponse struct {
	Username string
	IP       net.IP
	Port     uint32
}

// ServerCode implements ServerMessage.
func (*GetPeerAddressResponse) ServerCode() ServerCode { return CodeGetPeerAddress }

// UnmarshalPayload decodes the address response.
func (m *GetPeerAddressResponse) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Username = r.ReadString()
	m.IP = r.ReadIP()
	m.Port = r.ReadUint32()
	return codecErr("server", uint32(CodeGetPeerAddress), r.Err())
}

// WatchUser subscribes to a user's presence updates.
type WatchUser struct {
	Username string
}

// ServerCode implements ServerMessage.
func (*WatchUser) ServerCode() ServerCode { return CodeWatchUser }

// MarshalPayload encodes the watch request.
func (m *WatchUser) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	return w.Bytes()
}

// WatchUserResponse reports whether the user exists plus coarse stats.
type WatchUserResponse struct {
	Username     string
	Exists       bool
	Status       uint32
	AverageSpeed uint32
	UploadCount  uint64
	FileCount    uint32
	DirCount     uint32
}

// ServerCode implements ServerMessage.
func (*WatchUserResponse) ServerCode() ServerCode { return CodeWatchUser }

// UnmarshalPayload decodes the watch response.
func (m *WatchUserResponse) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Username = r.ReadString()
	m.Exists = r.ReadBool()
	if m.Exists {
		m.Status = r.ReadUint32()
		m.AverageSpeed = r.ReadUint32()
		m.UploadCount = r.ReadUint64()
		m.FileCount = r.ReadUint32()
		m.DirCount = r.ReadUint32()
	}
	return codecErr("server", uint32(CodeWatchUser), r.Err())
}

// UnwatchUser unsubscribes from a user's presence updates.
type UnwatchUser struct {
	Username string
}

// ServerCode implements ServerMessage.
func (*UnwatchUser) ServerCode() ServerCode { return CodeUnwatchUser }

// MarshalPayload encodes the unwatch request.
func (m *UnwatchUser) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	return w.Bytes()
}

// GetUserStatus reports a user's online status.
type GetUserStatus struct {
	Username   string
	Status     uint32
	Privileged bool
}

// ServerCode implements ServerMessage.
func (*GetUserStatus) ServerCode() ServerCode { return CodeGetUserStatus }

// MarshalPayload encodes the status query (username only).
func (m *GetUserStatus) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	return w.Bytes()
}

// UnmarshalPayload decodes the status response.
func (m *GetUserStatus) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Username = r.ReadString()
	m.Status = r.ReadUint32()
	m.Privileged = r.ReadBool()
	return codecErr("server", uint32(CodeGetUserStatus), r.Err())
}

// SayChatroom is a public chat line, outbound (room, message) or inbound
// (room, username, message).
type SayChatroom struct {
	Room     string
	Username string
	Message  string
}

// ServerCode implements ServerMessage.
func (*SayChatroom) ServerCode() ServerCode { return CodeSayChatroom }

// MarshalPayload encodes an outbound chat line.
func (m *SayChatroom) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Room)
	w.WriteString(m.Message)
	return w.Bytes()
}

// UnmarshalPayload decodes an inbound chat line.
func (m *SayChatroom) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Room = r.ReadString()
	m.Username = r.ReadString()
	m.Message = r.ReadString()
	return codecErr("server", uint32(CodeSayChatroom), r.Err())
}

// JoinRoom requests room membership.
type JoinRoom struct {
	Room string
}

// ServerCode implements ServerMessage.
func (*JoinRoom) ServerCode() ServerCode { return CodeJoinRoom }

// MarshalPayload encodes the join request.
func (m *JoinRoom) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Room)
	return w.Bytes()
}

// JoinRoomResponse confirms membership with the current user list. Per-user
// stats trailing the name list are ignored.
type JoinRoomResponse struct {
	Room  string
	Users []string
}

// ServerCode implements ServerMessage.
func (*JoinRoomResponse) ServerCode() ServerCode { return CodeJoinRoom }

// UnmarshalPayload decodes the join confirmation.
func (m *JoinRoomResponse) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Room = r.ReadString()
	count := r.ReadUint32()
	if r.Err() != nil {
		return codecErr("server", uint32(CodeJoinRoom), r.Err())
	}
	if uint64(count)*4 > uint64(r.Remaining()) {
		return codecErr("server", uint32(CodeJoinRoom), ErrShortPayload)
	}
	m.Users = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		m.Users = append(m.Users, r.ReadString())
	}
	return codecErr("server", uint32(CodeJoinRoom), r.Err())
}

// LeaveRoom drops room membership; the server echoes it back as confirmation.
type LeaveRoom struct {
	Room string
}

// ServerCode implements ServerMessage.
func (*LeaveRoom) ServerCode() ServerCode { return CodeLeaveRoom }

// MarshalPayload encodes the leave request.
func (m *LeaveRoom) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Room)
	return w.Bytes()
}

// UnmarshalPayload decodes the leave confirmation.
func (m *LeaveRoom) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Room = r.ReadString()
	return codecErr("server", uint32(CodeLeaveRoom), r.Err())
}

// UserJoinedRoom announces a user joining a room. Trailing stats are ignored.
type UserJoinedRoom struct {
	Room     string
	Username string
}

// ServerCode implements ServerMessage.
func (*UserJoinedRoom) ServerCode() ServerCode { return CodeUserJoinedRoom }

// UnmarshalPayload decodes the join announcement.
func (m *UserJoinedRoom) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Room = r.ReadString()
	m.Username = r.ReadString()
	return codecErr("server", uint32(CodeUserJoinedRoom), r.Err())
}

// UserLeftRoom announces a user leaving a room.
type UserLeftRoom struct {
	Room     string
	Username string
}

// ServerCode implements ServerMessage.
func (*UserLeftRoom) ServerCode() ServerCode { return CodeUserLeftRoom }

// UnmarshalPayload decodes the leave announcement.
func (m *UserLeftRoom) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Room = r.ReadString()
	m.Username = r.ReadString()
	return codecErr("server", uint32(CodeUserLeftRoom), r.Err())
}

// ConnectToPeer is the relay request for indirect connections. Outbound it
// asks the server to forward the request; inbound it tells this client that
// a remote peer wants it to open the TCP connection.
type ConnectToPeer struct {
	Token      uint32
	Username   string
	ConnType   string
	IP         net.IP
	Port       uint32
	Privileged bool
}

// ServerCode implements ServerMessage.
func (*ConnectToPeer) ServerCode() ServerCode { return CodeConnectToPeer }

// MarshalPayload encodes the outbound relay request.
func (m *ConnectToPeer) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Token)
	w.WriteString(m.Username)
	w.WriteString(m.ConnType)
	return w.Bytes()
}

// UnmarshalPayload decodes the inbound relay notification.
func (m *ConnectToPeer) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Username = r.ReadString()
	m.ConnType = r.ReadString()
	m.IP = r.ReadIP()
	m.Port = r.ReadUint32()
	m.Token = r.ReadUint32()
	m.Privileged = r.ReadBool()
	return codecErr("server", uint32(CodeConnectToPeer), r.Err())
}

// MessageUser is a private message, outbound (username, message) or inbound
// with server-assigned ID and timestamp.
type MessageUser struct {
	ID        uint32
	Timestamp uint32
	Username  string
	Message   string
	IsNew     bool
}

// ServerCode implements ServerMessage.
func (*MessageUser) ServerCode() ServerCode { return CodeMessageUser }

// MarshalPayload encodes an outbound private message.
func (m *MessageUser) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	w.WriteString(m.Message)
	return w.Bytes()
}

// UnmarshalPayload decodes an inbound private message.
func (m *MessageUser) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.ID = r.ReadUint32()
	m.Timestamp = r.ReadUint32()
	m.Username = r.ReadString()
	m.Message = r.ReadString()
	if r.Remaining() > 0 {
		m.IsNew = r.ReadBool()
	}
	return codecErr("server", uint32(CodeMessageUser), r.Err())
}

// MessageAcked confirms receipt of a private message so the server stops
// redelivering it.
type MessageAcked struct {
	ID uint32
}

// ServerCode implements ServerMessage.
func (*MessageAcked) ServerCode() ServerCode { return CodeMessageAcked }

// MarshalPayload encodes the ack.
func (m *MessageAcked) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.ID)
	return w.Bytes()
}

// FileSearch fans a query out to the network under a correlation token.
type FileSearch struct {
	Token uint32
	Query string
}

// ServerCode implements ServerMessage.
func (*FileSearch) ServerCode() ServerCode { return CodeFileSearch }

// MarshalPayload encodes the search request.
func (m *FileSearch) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Token)
	w.WriteString(m.Query)
	return w.Bytes()
}

// SetStatus sets the client's away/online status.
type SetStatus struct {
	Status uint32
}

// ServerCode implements ServerMessage.
func (*SetStatus) ServerCode() ServerCode { return CodeSetStatus }

// MarshalPayload encodes the status change.
func (m *SetStatus) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Status)
	return w.Bytes()
}

// ServerPing is the empty keep-alive.
type ServerPing struct{}

// ServerCode implements ServerMessage.
func (*ServerPing) ServerCode() ServerCode { return CodeServerPing }

// MarshalPayload encodes the ping (empty payload).
func (m *ServerPing) MarshalPayload() []byte { return nil }

// SharedFoldersFiles reports the local share size to the server.
type SharedFoldersFiles struct {
	DirCount  uint32
	FileCount uint32
}

// ServerCode implements ServerMessage.
func (*SharedFoldersFiles) ServerCode() ServerCode { return CodeSharedFoldersFiles }

// MarshalPayload encodes the share size report.
func (m *SharedFoldersFiles) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.DirCount)
	w.WriteUint32(m.FileCount)
	return w.Bytes()
}

// GetUserStats reports a user's transfer statistics.
type GetUserStats struct {
	Username     string
	AverageSpeed uint32
	UploadCount  uint64
	FileCount    uint32
	DirCount     uint32
}

// ServerCode implements ServerMessage.
func (*GetUserStats) ServerCode() ServerCode { return CodeGetUserStats }

// MarshalPayload encodes the stats query (username only).
func (m *GetUserStats) MarshalPayload() []byte {
	var w Writer
	w.WriteString(m.Username)
	return w.Bytes()
}

// UnmarshalPayload decodes the stats response.
func (m *GetUserStats) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Username = r.ReadString()
	m.AverageSpeed = r.ReadUint32()
	m.UploadCount = r.ReadUint64()
	m.FileCount = r.ReadUint32()
	m.DirCount = r.ReadUint32()
	return codecErr("server", uint32(CodeGetUserStats), r.Err())
}

// Relogged tells this client the same account logged in elsewhere and this
// session is being dropped.
type Relogged struct{}

// ServerCode implements ServerMessage.
func (*Relogged) ServerCode() ServerCode { return CodeRelogged }

// UnmarshalPayload decodes the (empty) notification.
func (m *Relogged) UnmarshalPayload(payload []byte) error { return nil }

// RoomList carries the public room directory with member counts.
type RoomList struct {
	Rooms      []string
	UserCounts []uint32
}

// ServerCode implements ServerMessage.
func (*RoomList) ServerCode() ServerCode { return CodeRoomList }

// UnmarshalPayload decodes the room directory.
func (m *RoomList) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	count := r.ReadUint32()
	if r.Err() != nil {
		return codecErr("server", uint32(CodeRoomList), r.Err())
	}
	if uint64(count)*4 > uint64(r.Remaining()) {
		return codecErr("server", uint32(CodeRoomList), ErrShortPayload)
	}
	m.Rooms = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		m.Rooms = append(m.Rooms, r.ReadString())
	}
	counts := r.ReadUint32()
	m.UserCounts = make([]uint32, 0, counts)
	for i := uint32(0); i < counts && r.Err() == nil; i++ {
		m.UserCounts = append(m.UserCounts, r.ReadUint32())
	}
	return codecErr("server", uint32(CodeRoomList), r.Err())
}

// PrivilegedUsers lists users with purchased privileges.
type PrivilegedUsers struct {
	Users []string
}

// ServerCode implements ServerMessage.
func (*PrivilegedUsers) ServerCode() ServerCode { return CodePrivilegedUsers }

// UnmarshalPayload decodes the privileged user list.
func (m *PrivilegedUsers) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	count := r.ReadUint32()
	if r.Err() != nil {
		return codecErr("server", uint32(CodePrivilegedUsers), r.Err())
	}
	if uint64(count)*4 > uint64(r.Remaining()) {
		return codecErr("server", uint32(CodePrivilegedUsers), ErrShortPayload)
	}
	m.Users = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		m.Users = append(m.Users, r.ReadString())
	}
	return codecErr("server", uint32(CodePrivilegedUsers), r.Err())
}

// HaveNoParent tells the server whether this client still needs a parent in
// the distributed network.
type HaveNoParent struct {
	Value bool
}

// ServerCode implements ServerMessage.
func (*HaveNoParent) ServerCode() ServerCode { return CodeHaveNoParent }

// MarshalPayload encodes the flag.
func (m *HaveNoParent) MarshalPayload() []byte {
	var w Writer
	w.WriteBool(m.Value)
	return w.Bytes()
}

// ParentMinSpeed is a distributed-network tuning value from the server.
type ParentMinSpeed struct {
	Speed uint32
}

// ServerCode implements ServerMessage.
func (*ParentMinSpeed) ServerCode() ServerCode { return CodeParentMinSpeed }

// UnmarshalPayload decodes the tuning value.
func (m *ParentMinSpeed) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Speed = r.ReadUint32()
	return codecErr("server", uint32(CodeParentMinSpeed), r.Err())
}

// ParentSpeedRatio is a distributed-network tuning value from the server.
type ParentSpeedRatio struct {
	Ratio uint32
}

// ServerCode implements ServerMessage.
func (*ParentSpeedRatio) ServerCode() ServerCode { return CodeParentSpeedRatio }

// UnmarshalPayload decodes the tuning value.
func (m *ParentSpeedRatio) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Ratio = r.ReadUint32()
	return codecErr("server", uint32(CodeParentSpeedRatio), r.Err())
}

// CheckPrivileges asks how many seconds of privileges remain.
type CheckPrivileges struct {
	SecondsLeft uint32
}

// ServerCode implements ServerMessage.
func (*CheckPrivileges) ServerCode() ServerCode { return CodeCheckPrivileges }

// MarshalPayload encodes the query (empty payload).
func (m *CheckPrivileges) MarshalPayload() []byte { return nil }

// UnmarshalPayload decodes the response.
func (m *CheckPrivileges) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.SecondsLeft = r.ReadUint32()
	return codecErr("server", uint32(CodeCheckPrivileges), r.Err())
}

// EmbeddedMessage wraps a distributed message delivered via the server for
// clients without a parent. Payload stays raw; the distributed decoder owns it.
type EmbeddedMessage struct {
	Code    DistributedCode
	Payload []byte
}

// ServerCode implements ServerMessage.
func (*EmbeddedMessage) ServerCode() ServerCode { return CodeEmbeddedMessage }

// UnmarshalPayload decodes the wrapper.
func (m *EmbeddedMessage) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Code = DistributedCode(r.ReadUint8())
	if r.Err() != nil {
		return codecErr("server", uint32(CodeEmbeddedMessage), r.Err())
	}
	m.Payload = append([]byte(nil), payload[1:]...)
	return nil
}

// AcceptChildren tells the server whether this client accepts distributed
// children.
type AcceptChildren struct {
	Value bool
}

// ServerCode implements ServerMessage.
func (*AcceptChildren) ServerCode() ServerCode { return CodeAcceptChildren }

// MarshalPayload encodes the flag.
func (m *AcceptChildren) MarshalPayload() []byte {
	var w Writer
	w.WriteBool(m.Value)
	return w.Bytes()
}

// PossibleParent is one candidate parent for the distributed network.
type PossibleParent struct {
	Username string
	IP       net.IP
	Port     uint32
}

// PossibleParents lists candidate parents for the distributed network.
type PossibleParents struct {
	Parents []PossibleParent
}

// ServerCode implements ServerMessage.
func (*PossibleParents) ServerCode() ServerCode { return CodePossibleParents }

// UnmarshalPayload decodes the candidate list.
func (m *PossibleParents) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	count := r.ReadUint32()
	if r.Err() != nil {
		return codecErr("server", uint32(CodePossibleParents), r.Err())
	}
	if uint64(count)*12 > uint64(r.Remaining()) {
		return codecErr("server", uint32(CodePossibleParents), ErrShortPayload)
	}
	m.Parents = make([]PossibleParent, 0, count)
	for i := uint32(0); i < count; i++ {
		m.Parents = append(m.Parents, PossibleParent{
			Username: r.ReadString(),
			IP:       r.ReadIP(),
			Port:     r.ReadUint32(),
		})
	}
	return codecErr("server", uint32(CodePossibleParents), r.Err())
}

// WishlistSearch re-runs a saved query under a correlation token.
type WishlistSearch struct {
	Token uint32
	Query string
}

// ServerCode implements ServerMessage.
func (*WishlistSearch) ServerCode() ServerCode { return CodeWishlistSearch }

// MarshalPayload encodes the wishlist search.
func (m *WishlistSearch) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Token)
	w.WriteString(m.Query)
	return w.Bytes()
}

// WishlistInterval tells the client how often wishlist searches may run.
type WishlistInterval struct {
	Seconds uint32
}

// ServerCode implements ServerMessage.
func (*WishlistInterval) ServerCode() ServerCode { return CodeWishlistInterval }

// UnmarshalPayload decodes the interval.
func (m *WishlistInterval) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Seconds = r.ReadUint32()
	return codecErr("server", uint32(CodeWishlistInterval), r.Err())
}

// CantConnectToPeer reports that an indirect connection attempt failed,
// outbound (giving up on an inbound relay) or inbound (the remote gave up).
type CantConnectToPeer struct {
	Token    uint32
	Username string
}

// ServerCode implements ServerMessage.
func (*CantConnectToPeer) ServerCode() ServerCode { return CodeCantConnectToPeer }

// MarshalPayload encodes the failure report.
func (m *CantConnectToPeer) MarshalPayload() []byte {
	var w Writer
	w.WriteUint32(m.Token)
	w.WriteString(m.Username)
	return w.Bytes()
}

// UnmarshalPayload decodes the failure report.
func (m *CantConnectToPeer) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Token = r.ReadUint32()
	m.Username = r.ReadString()
	return codecErr("server", uint32(CodeCantConnectToPeer), r.Err())
}

// DecodeServerMessage decodes one inbound server message by code.
// Unknown codes return ErrUnknownCode wrapped in a CodecError; the caller
// discards the message and the connection survives.
func DecodeServerMessage(code ServerCode, payload []byte) (ServerMessage, error) {
	var msg interface {
		ServerMessage
		UnmarshalPayload([]byte) error
	}

	switch code {
	case CodeLogin:
		msg = &LoginResponse{}
	case CodeGetPeerAddress:
		msg = &GetPeerAddressResponse{}
	case CodeWatchUser:
		msg = &WatchUserResponse{}
	case CodeGetUserStatus:
		msg = &GetUserStatus{}
	case CodeSayChatroom:
		msg = &SayChatroom{}
	case CodeJoinRoom:
		msg = &JoinRoomResponse{}
	case CodeLeaveRoom:
		msg = &LeaveRoom{}
	case CodeUserJoinedRoom:
		msg = &UserJoinedRoom{}
	case CodeUserLeftRoom:
		msg = &UserLeftRoom{}
	case CodeConnectToPeer:
		msg = &ConnectToPeer{}
	case CodeMessageUser:
		msg = &MessageUser{}
	case CodeGetUserStats:
		msg = &GetUserStats{}
	case CodeRelogged:
		msg = &Relogged{}
	case CodeRoomList:
		msg = &RoomList{}
	case CodePrivilegedUsers:
		msg = &PrivilegedUsers{}
	case CodeParentMinSpeed:
		msg = &ParentMinSpeed{}
	case CodeParentSpeedRatio:
		msg = &ParentSpeedRatio{}
	case CodeCheckPrivileges:
		msg = &CheckPrivileges{}
	case CodeEmbeddedMessage:
		msg = &EmbeddedMessage{}
	case CodePossibleParents:
		msg = &PossibleParents{}
	case CodeWishlistInterval:
		msg = &WishlistInterval{}
	case CodeCantConnectToPeer:
		msg = &CantConnectToPeer{}
	default:
		return nil, codecErr("server", uint32(code), ErrUnknownCode)
	}

	if err := msg.UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	return msg, nil
}
