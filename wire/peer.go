package wire

// PeerCode identifies a peer message. Peer codes occupy four bytes on the
// wire, a separate code space from the single-byte PeerInitCode.
type PeerCode uint32

const (
	CodeGetSharedFileList      PeerCode = 4
	CodeSharedFileListResponse PeerCode = 5
	CodeFileSearchResponse     PeerCode = 9
	CodeUserInfoRequest        PeerCode = 15
	CodeUserInfoResponse       PeerCode = 16
	CodeFolderContentsRequest  PeerCode = 36
	CodeFolderContentsResponse PeerCode = 37
	CodeTransferRequest        PeerCode = 40
	CodeTransferResponse       PeerCode = 41
	CodeQueueUpload            PeerCode = 43
	CodePlaceInQueueResponse   PeerCode = 44
	CodeUploadFailed           PeerCode = 46
	CodeUploadDenied           PeerCode = 50
	CodePlaceInQueueRequest    PeerCode = 51
)

// Transfer directions carried in TransferRequest.
const (
	TransferDirectionDownload uint32 = 0
	TransferDirectionUpload   uint32 = 1
)

// PeerMessage is one decoded peer-family message.
type PeerMessage interface {
	PeerCode() PeerCode
}

// FileAttribute is one metadata attribute of a shared file (bitrate,
// duration, sample rate...). Attribute codes are network-owned.
type FileAttribute struct {
	Code  uint32
	Value uint32
}

// FileEntry is one shared file in a file list or search response.
type FileEntry struct {
	Name       string
	Size       uint64
	Extension  string
	Attributes []FileAttribute
}

// Directory is one shared folder with its files.
type Directory struct {
	Name  string
	Files []FileEntry
}

func writeFileEntry(w *Writer, f FileEntry) {
	w.WriteUint8(1)
	w.WriteString(f.Name)
	w.WriteUint64(f.Size)
	w.WriteString(f.Extension)
	w.WriteUint32(uint32(len(f.Attributes)))
	for _, attr := range f.Attributes {
		w.WriteUint32(attr.Code)
		w.WriteUint32(attr.Value)
	}
}

func readFileEntry(r *Reader) FileEntry {
	var f FileEntry
	r.ReadUint8()
	f.Name = r.ReadString()
	f.Size = r.ReadUint64()
	f.Extension = r.ReadString()
	count := r.ReadUint32()
	if r.Err() != nil || uint64(count)*8 > uint64(r.Remaining()) {
		if r.err == nil {
			r.err = ErrShortPayload
		}
		return f
	}
	f.Attributes = make([]FileAttribute, 0, count)
	for i := uint32(0); i < count; i++ {
		f.Attributes = append(f.Attributes, FileAttribute{
			Code:  r.ReadUint32(),
			Value: r.ReadUint32(),
		})
	}
	return f
}

func writeDirectories(w *Writer, dirs []Directory) {
	w.WriteUint32(uint32(len(dirs)))
	for _, dir := range dirs {
		w.WriteString(dir.Name)
		w.WriteUint32(uint32(len(dir.Files)))
		for _, f := range dir.Files {
			writeFileEntry(w, f)
		}
	}
}

func readDirectories(r *Reader) []Directory {
	count := r.ReadUint32()
	if r.Err() != nil || uint64(count)*8 > uint64(r.Remaining()) {
		if r.err == nil {
			r.err = ErrShortPayload
		}
		return nil
	}
	dirs := make([]Directory, 0, count)
	for i := uint32(0); i < count && r.Err() == nil; i++ {
		var dir Directory
		dir.Name = r.ReadString()
		files := r.ReadUint32()
		if r.Err() != nil || uint64(files)*14 > uint64(r.Remaining()) {
			if r.err == nil {
				r.err = ErrShortPayload
			}
			return nil
		}
		dir.Files = make([]FileEntry, 0, files)
		for j := uint32(0); j < files && r.Err() == nil; j++ {
			dir.Files = append(dir.Files, readFileEntry(r))
		}
		dirs = append(dirs, dir)
	}
	return dirs
}

// GetSharedFileList asks a peer for its full share list.
type GetSharedFileList struct{}

// PeerCode implements PeerMessage.
func (*GetSharedFileList) PeerCode() PeerCode { return CodeGetSharedFileList }

// MarshalPayload encodes the request (empty payload).
func (m *GetSharedFileList) MarshalPayload() ([]byte, error) { return nil, nil }

// UnmarshalPayload decodes the request.
func (m *GetSharedFileList) UnmarshalPayload(payload []byte) error { return nil }

// SharedFileListResponse carries a peer's full share list. The payload is
// always one zlib stream on the wire; standard peers cannot read it
// uncompressed.
type SharedFileListResponse struct {
	Directories []Directory

	// InflateLimit overrides DefaultInflateLimit when positive.
	InflateLimit int64
}

// PeerCode implements PeerMessage.
func (*SharedFileListResponse) PeerCode() PeerCode { return CodeSharedFileListResponse }

// MarshalPayload encodes and compresses the share list.
func (m *SharedFileListResponse) MarshalPayload() ([]byte, error) {
	var w Writer
	writeDirectories(&w, m.Directories)
	out, err := deflate(w.Bytes())
	return out, codecErr("peer", uint32(CodeSharedFileListResponse), err)
}

// UnmarshalPayload inflates and decodes the share list. Uncompressed input
// is a protocol violation and fails, never passes through.
func (m *SharedFileListResponse) UnmarshalPayload(payload []byte) error {
	limit := m.InflateLimit
	if limit <= 0 {
		limit = DefaultInflateLimit
	}
	raw, err := inflate(payload, limit)
	if err != nil {
		return codecErr("peer", uint32(CodeSharedFileListResponse), err)
	}
	r := NewReader(raw)
	m.Directories = readDirectories(r)
	return codecErr("peer", uint32(CodeSharedFileListResponse), r.Err())
}

// SearchResult is the decoded body of one FileSearchResponse.
type SearchResult struct {
	Username     string
	Token        uint32
	Files        []FileEntry
	FreeSlot     bool
	AverageSpeed uint32
	QueueLength  uint64
}

// FileSearchResponse answers a distributed search with matching files.
// The payload is always one zlib stream on the wire.
type FileSearchResponse struct {
	SearchResult

	// InflateLimit overrides DefaultInflateLimit when positive.
	InflateLimit int64
}

// PeerCode implements PeerMessage.
func (*FileSearchResponse) PeerCode() PeerCode { return CodeFileSearchResponse }

// MarshalPayload encodes and compresses the search response.
func (m *FileSearchResponse) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteString(m.Username)
	w.WriteUint32(m.Token)
	w.WriteUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		writeFileEntry(&w, f)
	}
	w.WriteBool(m.FreeSlot)
	w.WriteUint32(m.AverageSpeed)
	w.WriteUint64(m.QueueLength)
	out, err := deflate(w.Bytes())
	return out, codecErr("peer", uint32(CodeFileSearchResponse), err)
}

// UnmarshalPayload inflates and decodes the search response.
func (m *FileSearchResponse) UnmarshalPayload(payload []byte) error {
	limit := m.InflateLimit
	if limit <= 0 {
		limit = DefaultInflateLimit
	}
	raw, err := inflate(payload, limit)
	if err != nil {
		return codecErr("peer", uint32(CodeFileSearchResponse), err)
	}
	r := NewReader(raw)
	m.Username = r.ReadString()
	m.Token = r.ReadUint32()
	count := r.ReadUint32()
	if r.Err() != nil || uint64(count)*14 > uint64(len(raw)) {
		return codecErr("peer", uint32(CodeFileSearchResponse), ErrShortPayload)
	}
	m.Files = make([]FileEntry, 0, count)
	for i := uint32(0); i < count && r.Err() == nil; i++ {
		m.Files = append(m.Files, readFileEntry(r))
	}
	m.FreeSlot = r.ReadBool()
	m.AverageSpeed = r.ReadUint32()
	m.QueueLength = r.ReadUint64()
	return codecErr("peer", uint32(CodeFileSearchResponse), r.Err())
}

// PeekSearchToken extracts only the token from a compressed search response
// without decoding the file list, so results for unknown or expired tokens
// are dropped before the expensive parse. The inflate limit still applies to
// the small prefix actually decompressed.
func PeekSearchToken(payload []byte, limit int64) (uint32, error) {
	if limit <= 0 {
		limit = DefaultInflateLimit
	}
	// Username length + username + token: inflate just enough.
	raw, err := inflatePrefix(payload, 4+256+4, limit)
	if err != nil {
		return 0, codecErr("peer", uint32(CodeFileSearchResponse), err)
	}
	r := NewReader(raw)
	r.ReadString()
	token := r.ReadUint32()
	return token, codecErr("peer", uint32(CodeFileSearchResponse), r.Err())
}

// UserInfoRequest asks a peer for its profile.
type UserInfoRequest struct{}

// PeerCode implements PeerMessage.
func (*UserInfoRequest) PeerCode() PeerCode { return CodeUserInfoRequest }

// MarshalPayload encodes the request (empty payload).
func (m *UserInfoRequest) MarshalPayload() ([]byte, error) { return nil, nil }

// UnmarshalPayload decodes the request.
func (m *UserInfoRequest) UnmarshalPayload(payload []byte) error { return nil }

// UserInfoResponse carries a peer's profile and upload-slot state.
type UserInfoResponse struct {
	Description string
	Picture     []byte
	UploadCount uint32
	QueueSize   uint32
	FreeSlot    bool
}

// PeerCode implements PeerMessage.
func (*UserInfoResponse) PeerCode() PeerCode { return CodeUserInfoResponse }

// MarshalPayload encodes the profile.
func (m *UserInfoResponse) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteString(m.Description)
	if len(m.Picture) > 0 {
		w.WriteBool(true)
		w.WriteUint32(uint32(len(m.Picture)))
		w.WriteBytes(m.Picture)
	} else {
		w.WriteBool(false)
	}
	w.WriteUint32(m.UploadCount)
	w.WriteUint32(m.QueueSize)
	w.WriteBool(m.FreeSlot)
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the profile.
func (m *UserInfoResponse) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Description = r.ReadString()
	if r.ReadBool() {
		n := r.ReadUint32()
		if r.Err() == nil && uint64(n) <= uint64(r.Remaining()) {
			m.Picture = append([]byte(nil), r.take(int(n))...)
		} else if r.err == nil {
			r.err = ErrShortPayload
		}
	}
	m.UploadCount = r.ReadUint32()
	m.QueueSize = r.ReadUint32()
	m.FreeSlot = r.ReadBool()
	return codecErr("peer", uint32(CodeUserInfoResponse), r.Err())
}

// FolderContentsRequest asks for one folder of a peer's share.
type FolderContentsRequest struct {
	Token  uint32
	Folder string
}

// PeerCode implements PeerMessage.
func (*FolderContentsRequest) PeerCode() PeerCode { return CodeFolderContentsRequest }

// MarshalPayload encodes the request.
func (m *FolderContentsRequest) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteUint32(m.Token)
	w.WriteString(m.Folder)
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the request.
func (m *FolderContentsRequest) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Token = r.ReadUint32()
	m.Folder = r.ReadString()
	return codecErr("peer", uint32(CodeFolderContentsRequest), r.Err())
}

// FolderContentsResponse carries one folder of a peer's share. The payload
// is always one zlib stream on the wire.
type FolderContentsResponse struct {
	Token       uint32
	Folder      string
	Directories []Directory

	// InflateLimit overrides DefaultInflateLimit when positive.
	InflateLimit int64
}

// PeerCode implements PeerMessage.
func (*FolderContentsResponse) PeerCode() PeerCode { return CodeFolderContentsResponse }

// MarshalPayload encodes and compresses the folder listing.
func (m *FolderContentsResponse) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteUint32(m.Token)
	w.WriteString(m.Folder)
	writeDirectories(&w, m.Directories)
	out, err := deflate(w.Bytes())
	return out, codecErr("peer", uint32(CodeFolderContentsResponse), err)
}

// UnmarshalPayload inflates and decodes the folder listing.
func (m *FolderContentsResponse) UnmarshalPayload(payload []byte) error {
	limit := m.InflateLimit
	if limit <= 0 {
		limit = DefaultInflateLimit
	}
	raw, err := inflate(payload, limit)
	if err != nil {
		return codecErr("peer", uint32(CodeFolderContentsResponse), err)
	}
	r := NewReader(raw)
	m.Token = r.ReadUint32()
	m.Folder = r.ReadString()
	m.Directories = readDirectories(r)
	return codecErr("peer", uint32(CodeFolderContentsResponse), r.Err())
}

// TransferRequest offers or requests one file movement under a token.
// Uploaders send direction=upload with the file size; the size field is
// absent for direction=download.
type TransferRequest struct {
	Direction uint32
	Token     uint32
	Filename  string
	Size      uint64
}

// PeerCode implements PeerMessage.
func (*TransferRequest) PeerCode() PeerCode { return CodeTransferRequest }

// MarshalPayload encodes the transfer offer/request.
func (m *TransferRequest) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteUint32(m.Direction)
	w.WriteUint32(m.Token)
	w.WriteString(m.Filename)
	if m.Direction == TransferDirectionUpload {
		w.WriteUint64(m.Size)
	}
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the transfer offer/request.
func (m *TransferRequest) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Direction = r.ReadUint32()
	m.Token = r.ReadUint32()
	m.Filename = r.ReadString()
	if m.Direction == TransferDirectionUpload {
		m.Size = r.ReadUint64()
	}
	return codecErr("peer", uint32(CodeTransferRequest), r.Err())
}

// TransferResponse accepts or refuses a TransferRequest by token. Refusals
// carry the remote-supplied reason.
type TransferResponse struct {
	Token   uint32
	Allowed bool
	Reason  string
}

// PeerCode implements PeerMessage.
func (*TransferResponse) PeerCode() PeerCode { return CodeTransferResponse }

// MarshalPayload encodes the response.
func (m *TransferResponse) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteUint32(m.Token)
	w.WriteBool(m.Allowed)
	if !m.Allowed {
		w.WriteString(m.Reason)
	}
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the response.
func (m *TransferResponse) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Token = r.ReadUint32()
	m.Allowed = r.ReadBool()
	if !m.Allowed && r.Remaining() > 0 {
		m.Reason = r.ReadString()
	}
	return codecErr("peer", uint32(CodeTransferResponse), r.Err())
}

// QueueUpload asks the remote peer to queue an upload of the named file.
// This is how downloads start.
type QueueUpload struct {
	Filename string
}

// PeerCode implements PeerMessage.
func (*QueueUpload) PeerCode() PeerCode { return CodeQueueUpload }

// MarshalPayload encodes the queue request.
func (m *QueueUpload) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteString(m.Filename)
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the queue request.
func (m *QueueUpload) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Filename = r.ReadString()
	return codecErr("peer", uint32(CodeQueueUpload), r.Err())
}

// PlaceInQueueResponse reports the current remote queue position for a file.
type PlaceInQueueResponse struct {
	Filename string
	Place    uint32
}

// PeerCode implements PeerMessage.
func (*PlaceInQueueResponse) PeerCode() PeerCode { return CodePlaceInQueueResponse }

// MarshalPayload encodes the queue position.
func (m *PlaceInQueueResponse) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteString(m.Filename)
	w.WriteUint32(m.Place)
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the queue position.
func (m *PlaceInQueueResponse) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Filename = r.ReadString()
	m.Place = r.ReadUint32()
	return codecErr("peer", uint32(CodePlaceInQueueResponse), r.Err())
}

// UploadFailed reports that a previously queued or running upload broke on
// the remote side; the downloader may retry from its current offset.
type UploadFailed struct {
	Filename string
}

// PeerCode implements PeerMessage.
func (*UploadFailed) PeerCode() PeerCode { return CodeUploadFailed }

// MarshalPayload encodes the failure report.
func (m *UploadFailed) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteString(m.Filename)
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the failure report.
func (m *UploadFailed) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Filename = r.ReadString()
	return codecErr("peer", uint32(CodeUploadFailed), r.Err())
}

// UploadDenied permanently refuses a queued upload with a reason.
type UploadDenied struct {
	Filename string
	Reason   string
}

// PeerCode implements PeerMessage.
func (*UploadDenied) PeerCode() PeerCode { return CodeUploadDenied }

// MarshalPayload encodes the denial.
func (m *UploadDenied) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteString(m.Filename)
	w.WriteString(m.Reason)
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the denial.
func (m *UploadDenied) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Filename = r.ReadString()
	m.Reason = r.ReadString()
	return codecErr("peer", uint32(CodeUploadDenied), r.Err())
}

// PlaceInQueueRequest polls the remote queue position for a file.
type PlaceInQueueRequest struct {
	Filename string
}

// PeerCode implements PeerMessage.
func (*PlaceInQueueRequest) PeerCode() PeerCode { return CodePlaceInQueueRequest }

// MarshalPayload encodes the poll.
func (m *PlaceInQueueRequest) MarshalPayload() ([]byte, error) {
	var w Writer
	w.WriteString(m.Filename)
	return w.Bytes(), nil
}

// UnmarshalPayload decodes the poll.
func (m *PlaceInQueueRequest) UnmarshalPayload(payload []byte) error {
	r := NewReader(payload)
	m.Filename = r.ReadString()
	return codecErr("peer", uint32(CodePlaceInQueueRequest), r.Err())
}

// DecodePeerMessage decodes one inbound peer message by code. inflateLimit
// bounds decompression for the compressed families; zero or negative means
// DefaultInflateLimit. Unknown codes return ErrUnknownCode wrapped in a
// CodecError.
func DecodePeerMessage(code PeerCode, payload []byte, inflateLimit int64) (PeerMessage, error) {
	var msg interface {
		PeerMessage
		UnmarshalPayload([]byte) error
	}

	switch code {
	case CodeGetSharedFileList:
		msg = &GetSharedFileList{}
	case CodeSharedFileListResponse:
		msg = &SharedFileListResponse{InflateLimit: inflateLimit}
	case CodeFileSearchResponse:
		msg = &FileSearchResponse{InflateLimit: inflateLimit}
	case CodeUserInfoRequest:
		msg = &UserInfoRequest{}
	case CodeUserInfoResponse:
		msg = &UserInfoResponse{}
	case CodeFolderContentsRequest:
		msg = &FolderContentsRequest{}
	case CodeFolderContentsResponse:
		msg = &FolderContentsResponse{InflateLimit: inflateLimit}
	case CodeTransferRequest:
		msg = &TransferRequest{}
	case CodeTransferResponse:
		msg = &TransferResponse{}
	case CodeQueueUpload:
		msg = &QueueUpload{}
	case CodePlaceInQueueResponse:
		msg = &PlaceInQueueResponse{}
	case CodeUploadFailed:
		msg = &UploadFailed{}
	case CodeUploadDenied:
		msg = &UploadDenied{}
	case CodePlaceInQueueRequest:
		msg = &PlaceInQueueRequest{}
	default:
		return nil, codecErr("peer", uint32(code), ErrUnknownCode)
	}

	if err := msg.UnmarshalPayload(payload); err != nil {
		return nil, err
	}
	return msg, nil
}
