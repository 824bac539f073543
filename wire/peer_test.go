package wire

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDirectories() []Directory {
	return []Directory{
		{
			Name: "@@share\\music",
			Files: []FileEntry{
				{
					Name:      "@@share\\music\\track01.mp3",
					Size:      5_242_880,
					Extension: "mp3",
					Attributes: []FileAttribute{
						{Code: 0, Value: 320},
						{Code: 1, Value: 211},
					},
				},
				{Name: "@@share\\music\\track02.mp3", Size: 4_110_003, Extension: "mp3"},
			},
		},
		{Name: "@@share\\books"},
	}
}

func TestSharedFileListCompressedOnWire(t *testing.T) {
	msg := &SharedFileListResponse{Directories: sampleDirectories()}
	payload, err := msg.MarshalPayload()
	require.NoError(t, err)

	// The payload must be a valid zlib stream, nothing else.
	_, err = zlib.NewReader(bytes.NewReader(payload))
	require.NoError(t, err, "share list payload must be zlib-compressed")

	var decoded SharedFileListResponse
	require.NoError(t, decoded.UnmarshalPayload(payload))
	assert.Equal(t, msg.Directories, decoded.Directories)
}

func TestSharedFileListRejectsUncompressed(t *testing.T) {
	var w Writer
	writeDirectories(&w, sampleDirectories())

	var decoded SharedFileListResponse
	err := decoded.UnmarshalPayload(w.Bytes())
	assert.ErrorIs(t, err, ErrNotCompressed)
}

func TestFileSearchResponseRoundTrip(t *testing.T) {
	msg := &FileSearchResponse{
		SearchResult: SearchResult{
			Username:     "dave",
			Token:        31337,
			Files:        sampleDirectories()[0].Files,
			FreeSlot:     true,
			AverageSpeed: 125_000,
			QueueLength:  3,
		},
	}
	payload, err := msg.MarshalPayload()
	require.NoError(t, err)

	var decoded FileSearchResponse
	require.NoError(t, decoded.UnmarshalPayload(payload))
	assert.Equal(t, msg.SearchResult, decoded.SearchResult)
}

func TestFileSearchResponseRejectsUncompressed(t *testing.T) {
	var w Writer
	w.WriteString("dave")
	w.WriteUint32(31337)
	w.WriteUint32(0)
	w.WriteBool(true)
	w.WriteUint32(0)
	w.WriteUint64(0)

	var decoded FileSearchResponse
	assert.ErrorIs(t, decoded.UnmarshalPayload(w.Bytes()), ErrNotCompressed)
}

func TestFolderContentsCompressedRoundTrip(t *testing.T) {
	msg := &FolderContentsResponse{
		Token:       5,
		Folder:      "@@share\\music",
		Directories: sampleDirectories()[:1],
	}
	payload, err := msg.MarshalPayload()
	require.NoError(t, err)

	_, err = zlib.NewReader(bytes.NewReader(payload))
	require.NoError(t, err)

	var decoded FolderContentsResponse
	require.NoError(t, decoded.UnmarshalPayload(payload))
	assert.Equal(t, msg.Token, decoded.Token)
	assert.Equal(t, msg.Folder, decoded.Folder)
	assert.Equal(t, msg.Directories, decoded.Directories)
}

func TestInflateLimitGuard(t *testing.T) {
	// A small compressed payload inflating to far more than the ceiling
	// must fail rather than truncate.
	big := make([]byte, 1<<20)
	compressed, err := deflate(big)
	require.NoError(t, err)
	require.Less(t, len(compressed), 1<<14, "highly compressible input")

	_, err = inflate(compressed, 1<<10)
	assert.ErrorIs(t, err, ErrInflateTooLarge)

	// Under the ceiling the same payload inflates fully.
	out, err := inflate(compressed, 1<<21)
	require.NoError(t, err)
	assert.Len(t, out, 1<<20)
}

func TestPeekSearchToken(t *testing.T) {
	msg := &FileSearchResponse{
		SearchResult: SearchResult{
			Username: "erin",
			Token:    0xCAFEBABE,
			Files:    sampleDirectories()[0].Files,
		},
	}
	payload, err := msg.MarshalPayload()
	require.NoError(t, err)

	token, err := PeekSearchToken(payload, DefaultInflateLimit)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), token)
}

func TestPeekSearchTokenUncompressed(t *testing.T) {
	_, err := PeekSearchToken([]byte("not zlib"), DefaultInflateLimit)
	assert.ErrorIs(t, err, ErrNotCompressed)
}

func TestDecodePeerMessageUnknownCode(t *testing.T) {
	_, err := DecodePeerMessage(PeerCode(9999), nil, 0)
	assert.ErrorIs(t, err, ErrUnknownCode)
}

func TestTransferResponseReasonOnlyOnRefusal(t *testing.T) {
	allowed := &TransferResponse{Token: 1, Allowed: true, Reason: "ignored"}
	payload, err := allowed.MarshalPayload()
	require.NoError(t, err)
	assert.Len(t, payload, 5, "accepted response carries no reason")

	refused := &TransferResponse{Token: 1, Allowed: false, Reason: "Queued"}
	payload, err = refused.MarshalPayload()
	require.NoError(t, err)

	var decoded TransferResponse
	require.NoError(t, decoded.UnmarshalPayload(payload))
	assert.False(t, decoded.Allowed)
	assert.Equal(t, "Queued", decoded.Reason)
}

func TestUserInfoResponseOptionalPicture(t *testing.T) {
	with := &UserInfoResponse{Description: "hi", Picture: []byte{1, 2, 3}, UploadCount: 2, QueueSize: 1, FreeSlot: true}
	payload, err := with.MarshalPayload()
	require.NoError(t, err)
	var decoded UserInfoResponse
	require.NoError(t, decoded.UnmarshalPayload(payload))
	assert.Equal(t, with.Picture, decoded.Picture)

	without := &UserInfoResponse{Description: "hi"}
	payload, err = without.MarshalPayload()
	require.NoError(t, err)
	var decoded2 UserInfoResponse
	require.NoError(t, decoded2.UnmarshalPayload(payload))
	assert.Nil(t, decoded2.Picture)
}
