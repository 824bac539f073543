// Package wire implements the binary codec for the legacy file-sharing
// network protocol: framed server, peer-init, peer, and distributed message
// families, the unframed file-transfer preamble, and the mandatory zlib
// compression of the large peer payloads.
//
// Every multi-byte integer on the wire is little-endian. The one deliberate
// asymmetry is IP addresses: transmitted as a little-endian uint32 whose
// most-significant byte is the first dotted-quad octet. WriteIP/ReadIP are
// the only place that rule lives.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultServerMessageLimit bounds one framed server message (1 MiB).
	DefaultServerMessageLimit = 1 << 20
	// DefaultPeerMessageLimit bounds one framed peer message (64 MiB).
	// Shared-file lists from large libraries legitimately reach tens of
	// megabytes, so the peer ceiling is far above the server ceiling.
	DefaultPeerMessageLimit = 64 << 20
	// DefaultInflateLimit bounds the decompressed size of one compressed
	// payload (64 MiB).
	DefaultInflateLimit = 64 << 20
)

var (
	// ErrMessageTooLarge indicates a frame length beyond the configured ceiling.
	ErrMessageTooLarge = errors.New("wire: message exceeds size limit")
	// ErrShortPayload indicates a payload ended before all declared fields.
	ErrShortPayload = errors.New("wire: truncated payload")
	// ErrNotCompressed indicates a payload that must be zlib-compressed is not.
	ErrNotCompressed = errors.New("wire: payload is not zlib-compressed")
	// ErrInflateTooLarge indicates decompressed output beyond the inflate limit.
	ErrInflateTooLarge = errors.New("wire: decompressed payload exceeds limit")
	// ErrUnknownCode indicates a code with no registered message type.
	ErrUnknownCode = errors.New("wire: unknown message code")
)

// CodecError wraps a decode or encode failure with the message family and
// numeric code it occurred on. Codec failures are recoverable: the message is
// discarded and the connection survives.
type CodecError struct {
	Family string
	Code   uint32
	Err    error
}

// Error returns a human-readable codec error.
func (e *CodecError) Error() string {
	return fmt.Sprintf("wire: %s message code %d: %v", e.Family, e.Code, e.Err)
}

// Unwrap returns the underlying error.
func (e *CodecError) Unwrap() error { return e.Err }

func codecErr(family string, code uint32, err error) error {
	if err == nil {
		return nil
	}
	return &CodecError{Family: family, Code: code, Err: err}
}

// Writer builds a message payload field by field.
// The zero value is ready to use.
type Writer struct {
	buf []byte
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the accumulated payload length.
func (w *Writer) Len() int { return len(w.buf) }

// WriteUint8 appends one byte.
func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

// WriteUint32 appends a little-endian uint32.
func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// WriteUint64 appends a little-endian uint64.
func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// WriteBool appends a bool as one byte (1 or 0).
func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

// WriteString appends a uint32 length prefix followed by raw UTF-8 bytes.
func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes appends raw bytes with no length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteIP appends an IPv4 address as a little-endian uint32 whose
// most-significant byte is the first octet.
func (w *Writer) WriteIP(ip net.IP) {
	v4 := ip.To4()
	if v4 == nil {
		w.WriteUint32(0)
		return
	}
	v := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	w.WriteUint32(v)
}

// Reader consumes a message payload field by field. The first failure makes
// the error sticky: subsequent reads return zero values and Err reports the
// original failure, so decoders check the error once at the end.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over payload.
func NewReader(payload []byte) *Reader {
	return &Reader{buf: payload}
}

// Err returns the first read failure, if any.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unconsumed bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.err = ErrShortPayload
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// ReadUint8 consumes one byte.
func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadUint32 consumes a little-endian uint32.
func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadUint64 consumes a little-endian uint64.
func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadBool consumes one byte; any non-zero value is true.
func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadString consumes a uint32 length prefix and that many bytes.
// Invalid UTF-8 sequences are replaced, never fatal.
func (r *Reader) ReadString() string {
	n := r.ReadUint32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.err = ErrShortPayload
		return ""
	}
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// ReadIP consumes a little-endian uint32 and re-expresses it as four octets
// MSB-first. The wire value 0xC0A80101 decodes to 192.168.1.1.
func (r *Reader) ReadIP() net.IP {
	v := r.ReadUint32()
	if r.err != nil {
		return nil
	}
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).To4()
}

// writeFrame emits uint32 length | code bytes | payload. The length field
// excludes itself and always equals len(code bytes) + len(payload).
func writeFrame(w io.Writer, code []byte, payload []byte, limit uint32) error {
	total := uint64(len(code)) + uint64(len(payload))
	if total > uint64(limit) {
		return ErrMessageTooLarge
	}

	header := make([]byte, 4, 4+len(code))
	binary.LittleEndian.PutUint32(header, uint32(total))
	header = append(header, code...)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// readFrame reads uint32 length | body and returns the body
// (code bytes + payload).
func readFrame(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header)
	if length > limit {
		// The declared length is trustworthy even when the body is not
		// wanted: drain it so the stream stays frame-aligned and the next
		// message is readable.
		if _, derr := io.CopyN(io.Discard, r, int64(length)); derr != nil {
			return nil, fmt.Errorf("discard oversized frame: %w", derr)
		}
		return nil, ErrMessageTooLarge
	}
	if length == 0 {
		return nil, ErrShortPayload
	}

	body := make([]byte, int(length))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// WriteServerFrame writes one framed server message (uint32 code).
func WriteServerFrame(w io.Writer, code ServerCode, payload []byte, limit uint32) error {
	var cb [4]byte
	binary.LittleEndian.PutUint32(cb[:], uint32(code))
	if err := writeFrame(w, cb[:], payload, limit); err != nil {
		return codecErr("server", uint32(code), err)
	}
	return nil
}

// ReadServerFrame reads one framed server message and returns its code and
// payload.
func ReadServerFrame(r io.Reader, limit uint32) (ServerCode, []byte, error) {
	body, err := readFrame(r, limit)
	if err != nil {
		return 0, nil, codecErr("server", 0, err)
	}
	if len(body) < 4 {
		return 0, nil, codecErr("server", 0, ErrShortPayload)
	}
	code := ServerCode(binary.LittleEndian.Uint32(body[:4]))
	return code, body[4:], nil
}

// WritePeerFrame writes one framed peer message (uint32 code).
func WritePeerFrame(w io.Writer, code PeerCode, payload []byte, limit uint32) error {
	var cb [4]byte
	binary.LittleEndian.PutUint32(cb[:], uint32(code))
	if err := writeFrame(w, cb[:], payload, limit); err != nil {
		return codecErr("peer", uint32(code), err)
	}
	return nil
}

// ReadPeerFrame reads one framed peer message and returns its code and
// payload.
func ReadPeerFrame(r io.Reader, limit uint32) (PeerCode, []byte, error) {
	body, err := readFrame(r, limit)
	if err != nil {
		return 0, nil, codecErr("peer", 0, err)
	}
	if len(body) < 4 {
		return 0, nil, codecErr("peer", 0, ErrShortPayload)
	}
	code := PeerCode(binary.LittleEndian.Uint32(body[:4]))
	return code, body[4:], nil
}

// WritePeerInitFrame writes one framed peer-init message (uint8 code).
func WritePeerInitFrame(w io.Writer, code PeerInitCode, payload []byte, limit uint32) error {
	if err := writeFrame(w, []byte{byte(code)}, payload, limit); err != nil {
		return codecErr("peer-init", uint32(code), err)
	}
	return nil
}

// ReadPeerInitFrame reads one framed peer-init message and returns its code
// and payload.
func ReadPeerInitFrame(r io.Reader, limit uint32) (PeerInitCode, []byte, error) {
	body, err := readFrame(r, limit)
	if err != nil {
		return 0, nil, codecErr("peer-init", 0, err)
	}
	return PeerInitCode(body[0]), body[1:], nil
}

// WriteDistributedFrame writes one framed distributed message (uint8 code).
func WriteDistributedFrame(w io.Writer, code DistributedCode, payload []byte, limit uint32) error {
	if err := writeFrame(w, []byte{byte(code)}, payload, limit); err != nil {
		return codecErr("distributed", uint32(code), err)
	}
	return nil
}

// ReadDistributedFrame reads one framed distributed message and returns its
// code and payload.
func ReadDistributedFrame(r io.Reader, limit uint32) (DistributedCode, []byte, error) {
	body, err := readFrame(r, limit)
	if err != nil {
		return 0, nil, codecErr("distributed", 0, err)
	}
	return DistributedCode(body[0]), body[1:], nil
}

// WriteTransferPreamble writes the unframed file-stream preamble:
// uint32 token | uint64 offset. It is always written by the downloader and
// read by the uploader, regardless of who opened the TCP connection.
func WriteTransferPreamble(w io.Writer, token uint32, offset uint64) error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:4], token)
	binary.LittleEndian.PutUint64(buf[4:], offset)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write transfer preamble: %w", err)
	}
	return nil
}

// ReadTransferPreamble reads the unframed file-stream preamble.
func ReadTransferPreamble(r io.Reader) (token uint32, offset uint64, err error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("read transfer preamble: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:4]), binary.LittleEndian.Uint64(buf[4:]), nil
}
