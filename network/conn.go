package network

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"slsk/wire"
)

// ConnKind distinguishes the sub-protocol running on a peer connection.
type ConnKind string

const (
	// KindServer is the single connection to the central server.
	KindServer ConnKind = "server"
	// KindPeer is a peer messaging connection.
	KindPeer ConnKind = "peer"
	// KindFile is a raw file-transfer stream.
	KindFile ConnKind = "file"
	// KindDistributed is a distributed-network branch link.
	KindDistributed ConnKind = "distributed"
)

// wireType returns the single-letter tag carried inside PeerInit.
func (k ConnKind) wireType() string {
	switch k {
	case KindFile:
		return wire.ConnTypeFile
	case KindDistributed:
		return wire.ConnTypeDistributed
	default:
		return wire.ConnTypePeer
	}
}

// kindFromWireType maps a PeerInit tag back to a kind.
func kindFromWireType(t string) (ConnKind, bool) {
	switch t {
	case wire.ConnTypePeer:
		return KindPeer, true
	case wire.ConnTypeFile:
		return KindFile, true
	case wire.ConnTypeDistributed:
		return KindDistributed, true
	default:
		return "", false
	}
}

// ConnState is one stage of a connection's lifecycle.
type ConnState string

const (
	StateIdle             ConnState = "idle"
	StateConnecting       ConnState = "connecting"
	StateAwaitingPeerInit ConnState = "awaiting-peer-init"
	StateEstablished      ConnState = "established"
	StateClosed           ConnState = "closed"
	// StateGhost marks a connection closed by the idle reaper rather than
	// by either endpoint.
	StateGhost ConnState = "ghost"
)

// terminal reports whether no further state change is allowed.
func (s ConnState) terminal() bool {
	return s == StateClosed || s == StateGhost
}

// Conn is one TCP connection speaking a single message family. Reads are
// single-goroutine (the owning read loop); writes are serialized internally
// and safe from any goroutine.
type Conn struct {
	raw  net.Conn
	br   *bufio.Reader
	kind ConnKind

	messageLimit uint32
	inflateLimit int64

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnState

	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.Mutex
	closeErr error
}

func newConn(raw net.Conn, kind ConnKind, messageLimit uint32, inflateLimit int64) *Conn {
	c := &Conn{
		raw:          raw,
		br:           bufio.NewReader(raw),
		kind:         kind,
		messageLimit: messageLimit,
		inflateLimit: inflateLimit,
		state:        StateIdle,
		closed:       make(chan struct{}),
	}
	c.touch()
	return c
}

// Kind returns the connection's sub-protocol kind.
func (c *Conn) Kind() ConnKind { return c.kind }

// RemoteAddr returns the remote endpoint.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// setState advances the lifecycle. Terminal states are sticky.
func (c *Conn) setState(s ConnState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state.terminal() {
		return
	}
	c.state = s
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// LastError returns the error the connection closed with, if any.
func (c *Conn) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.closeErr
}

// BytesIn returns total bytes received.
func (c *Conn) BytesIn() int64 { return c.bytesIn.Load() }

// BytesOut returns total bytes sent.
func (c *Conn) BytesOut() int64 { return c.bytesOut.Load() }

// IdleFor returns time since the last read or write.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// SetReadDeadline sets the deadline for the next read.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// Close terminates the connection.
func (c *Conn) Close() error {
	c.closeWithError(nil, StateClosed)
	return nil
}

func (c *Conn) closeWithError(err error, terminal ConnState) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.stateMu.Lock()
		c.state = terminal
		c.stateMu.Unlock()

		close(c.closed)
		_ = c.raw.Close()
	})
}

// closeGhost terminates an idle connection from the reaper.
func (c *Conn) closeGhost() {
	c.closeWithError(nil, StateGhost)
}

// writeErr classifies a write failure. The size ceiling is checked before
// any bytes go out, so an oversized frame leaves the stream untouched and
// the connection usable; every other failure means a torn frame and the
// connection dies.
func (c *Conn) writeErr(err error) error {
	if err == nil {
		c.touch()
		return nil
	}
	if errors.Is(err, wire.ErrMessageTooLarge) {
		return err
	}
	c.closeWithError(err, StateClosed)
	return err
}

// readErr classifies a read failure. Codec errors, oversized frames
// included, keep the connection alive; stream errors terminate it.
func (c *Conn) readErr(err error) error {
	if err == nil {
		c.touch()
		return nil
	}
	var ce *wire.CodecError
	if errors.As(err, &ce) {
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrConnClosed
	}
	c.closeWithError(err, StateClosed)
	return err
}

type countWriter struct {
	c *Conn
}

func (w countWriter) Write(p []byte) (int, error) {
	n, err := w.c.raw.Write(p)
	w.c.bytesOut.Add(int64(n))
	return n, err
}

type countReader struct {
	c *Conn
}

func (r countReader) Read(p []byte) (int, error) {
	n, err := r.c.br.Read(p)
	r.c.bytesIn.Add(int64(n))
	return n, err
}

// WriteServer sends one framed server message.
func (c *Conn) WriteServer(msg wire.ServerMessage) error {
	m, ok := msg.(interface{ MarshalPayload() []byte })
	if !ok {
		return ErrConnClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := wire.WriteServerFrame(countWriter{c}, msg.ServerCode(), m.MarshalPayload(), c.messageLimit)
	return c.writeErr(err)
}

// ReadServer reads and decodes one framed server message.
func (c *Conn) ReadServer() (wire.ServerMessage, error) {
	code, payload, err := wire.ReadServerFrame(countReader{c}, c.messageLimit)
	if err != nil {
		return nil, c.readErr(err)
	}
	msg, err := wire.DecodeServerMessage(code, payload)
	if err != nil {
		return nil, c.readErr(err)
	}
	c.touch()
	return msg, nil
}

// WritePeer sends one framed peer message, compressing where the family
// requires it.
func (c *Conn) WritePeer(msg wire.PeerMessage) error {
	m, ok := msg.(interface{ MarshalPayload() ([]byte, error) })
	if !ok {
		return ErrConnClosed
	}
	payload, err := m.MarshalPayload()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err = wire.WritePeerFrame(countWriter{c}, msg.PeerCode(), payload, c.messageLimit)
	return c.writeErr(err)
}

// ReadPeerRaw reads one framed peer message without decoding the payload,
// so callers can gate expensive parses on cheap checks first.
func (c *Conn) ReadPeerRaw() (wire.PeerCode, []byte, error) {
	code, payload, err := wire.ReadPeerFrame(countReader{c}, c.messageLimit)
	if err != nil {
		return 0, nil, c.readErr(err)
	}
	c.touch()
	return code, payload, nil
}

// WritePeerInit sends one framed peer-init message.
func (c *Conn) WritePeerInit(code wire.PeerInitCode, msg interface{ MarshalPayload() []byte }) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := wire.WritePeerInitFrame(countWriter{c}, code, msg.MarshalPayload(), c.messageLimit)
	return c.writeErr(err)
}

// ReadPeerInit reads one framed peer-init message.
func (c *Conn) ReadPeerInit() (wire.PeerInitCode, []byte, error) {
	code, payload, err := wire.ReadPeerInitFrame(countReader{c}, c.messageLimit)
	if err != nil {
		return 0, nil, c.readErr(err)
	}
	c.touch()
	return code, payload, nil
}

// WriteDistributed sends one framed distributed message.
func (c *Conn) WriteDistributed(msg wire.DistributedMessage) error {
	m, ok := msg.(interface{ MarshalPayload() []byte })
	if !ok {
		return ErrConnClosed
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	err := wire.WriteDistributedFrame(countWriter{c}, msg.DistributedCode(), m.MarshalPayload(), c.messageLimit)
	return c.writeErr(err)
}

// ReadDistributed reads and decodes one framed distributed message.
func (c *Conn) ReadDistributed() (wire.DistributedMessage, error) {
	code, payload, err := wire.ReadDistributedFrame(countReader{c}, c.messageLimit)
	if err != nil {
		return nil, c.readErr(err)
	}
	msg, err := wire.DecodeDistributedMessage(code, payload)
	if err != nil {
		return nil, c.readErr(err)
	}
	c.touch()
	return msg, nil
}

// WriteRaw writes unframed stream bytes on a file-transfer connection.
func (c *Conn) WriteRaw(p []byte) (int, error) {
	if c.kind != KindFile {
		return 0, ErrNotFileConnection
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	n, err := countWriter{c}.Write(p)
	if err != nil {
		c.closeWithError(err, StateClosed)
		return n, err
	}
	c.touch()
	return n, nil
}

// ReadRaw reads unframed stream bytes on a file-transfer connection.
func (c *Conn) ReadRaw(p []byte) (int, error) {
	if c.kind != KindFile {
		return 0, ErrNotFileConnection
	}
	n, err := countReader{c}.Read(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// WritePreamble writes the downloader's token and resume offset at the
// start of a file stream.
func (c *Conn) WritePreamble(token uint32, offset uint64) error {
	if c.kind != KindFile {
		return ErrNotFileConnection
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := wire.WriteTransferPreamble(countWriter{c}, token, offset); err != nil {
		c.closeWithError(err, StateClosed)
		return err
	}
	c.touch()
	return nil
}

// ReadPreamble reads the downloader's token and resume offset at the start
// of a file stream.
func (c *Conn) ReadPreamble() (uint32, uint64, error) {
	if c.kind != KindFile {
		return 0, 0, ErrNotFileConnection
	}
	token, offset, err := wire.ReadTransferPreamble(countReader{c})
	if err != nil {
		c.closeWithError(err, StateClosed)
		return 0, 0, err
	}
	c.touch()
	return token, offset, nil
}
