package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"slsk/wire"
)

// SharedProvider resolves upload requests against the local share.
// Paths use the remote share namespace exactly as peers request them.
type SharedProvider interface {
	// Open returns the file content and its total size.
	Open(path string) (io.ReadSeekCloser, uint64, error)
	// Directories returns the browsable share listing.
	Directories() []wire.Directory
}

// TransferStore persists transfer state so interrupted downloads survive a
// restart. Implementations must be safe for concurrent use.
type TransferStore interface {
	SaveTransfer(t Transfer) error
	RecordHistory(t Transfer) error
}

type transferKey struct {
	username string
	path     string
}

// queuePollInterval paces PlaceInQueueRequest probes while a download sits
// in the remote's upload queue.
const queuePollInterval = 2 * time.Minute

// Engine runs the transfer state machines: queued downloads waiting for the
// remote's offer, the upload queue served within slot limits, the file
// streams themselves, and the exactly-once handoff of finished transfers to
// history.
type Engine struct {
	opts   Options
	log    *logrus.Logger
	events *Events

	pool    *Pool
	pending *pendingConnects
	tokens  *tokenSource
	store   TransferStore
	shares  SharedProvider

	downloadSlots chan struct{}
	uploadSlots   chan struct{}

	mu        sync.Mutex
	transfers map[string]*transfer
	active    map[transferKey]*transfer
	byToken   map[uint32]*transfer
	uploadQ   []*transfer

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine creates the transfer engine. store and shares may be nil: a nil
// store keeps no history, a nil shares denies every upload request.
func NewEngine(opts Options, pool *Pool, pending *pendingConnects, tokens *tokenSource, store TransferStore, shares SharedProvider, events *Events) *Engine {
	o := opts.withDefaults()
	return &Engine{
		opts:          o,
		log:           o.Logger,
		events:        events,
		pool:          pool,
		pending:       pending,
		tokens:        tokens,
		store:         store,
		shares:        shares,
		downloadSlots: make(chan struct{}, o.DownloadSlots),
		uploadSlots:   make(chan struct{}, o.UploadSlots),
		transfers:     make(map[string]*transfer),
		active:        make(map[transferKey]*transfer),
		byToken:       make(map[uint32]*transfer),
		closed:        make(chan struct{}),
	}
}

// Download queues a file for download from a peer. The remote queues the
// request and later offers the file; the engine drives the rest. A second
// request for the same peer and path while the first is still live fails
// with ErrDuplicateTransfer.
func (e *Engine) Download(peer PeerIdentity, remotePath, localPath string) (Transfer, error) {
	key := transferKey{username: peer.Username, path: remotePath}

	e.mu.Lock()
	if existing, ok := e.active[key]; ok && !existing.currentStatus().Terminal() {
		e.mu.Unlock()
		return Transfer{}, ErrDuplicateTransfer
	}
	t := newTransfer(DirectionDownload, peer.Username, remotePath, localPath, 0)
	e.transfers[t.id] = t
	e.active[key] = t
	e.mu.Unlock()

	e.save(t)

	session, err := e.pool.Session(t.ctx, peer)
	if err != nil {
		_ = t.fail(err)
		e.finish(t)
		return t.snapshot(), err
	}
	if err := session.Send(&wire.QueueUpload{Filename: remotePath}); err != nil {
		_ = t.fail(err)
		e.finish(t)
		return t.snapshot(), err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runDownload(t, peer)
	}()

	return t.snapshot(), nil
}

// runDownload waits for the remote's offer, accepts it within the slot
// limit, attaches the file connection, and receives the stream.
func (e *Engine) runDownload(t *transfer, peer PeerIdentity) {
	poll := time.NewTicker(queuePollInterval)
	defer poll.Stop()

	for waiting := true; waiting; {
		select {
		case <-t.offered:
			waiting = false
		case <-poll.C:
			// Nudge the remote for our queue position; the answer lands in
			// HandlePeerMessage as a PlaceInQueueResponse.
			if session, err := e.pool.Session(t.ctx, peer); err == nil {
				_ = session.Send(&wire.PlaceInQueueRequest{Filename: t.remotePath})
			}
		case <-t.ctx.Done():
			e.terminate(t, t.ctx.Err())
			return
		case <-e.closed:
			e.terminate(t, ErrConnClosed)
			return
		}
	}

	select {
	case e.downloadSlots <- struct{}{}:
		defer func() { <-e.downloadSlots }()
	case <-t.ctx.Done():
		e.terminate(t, t.ctx.Err())
		return
	case <-e.closed:
		e.terminate(t, ErrConnClosed)
		return
	}

	if err := t.setStatus(TransferConnecting); err != nil {
		return
	}
	e.save(t)

	t.mu.Lock()
	token := t.token
	t.mu.Unlock()

	// The file connection is matched by username, so the waiter must exist
	// before the remote learns we accepted.
	waiter := e.pending.addUser(t.username)
	defer e.pending.dropUser(t.username)

	session, err := e.pool.Session(t.ctx, peer)
	if err != nil {
		e.terminate(t, err)
		return
	}
	if err := session.Send(&wire.TransferResponse{Token: token, Allowed: true}); err != nil {
		e.terminate(t, err)
		return
	}

	conn, err := e.awaitFileConn(t, peer, waiter)
	if err != nil {
		e.terminate(t, err)
		return
	}
	defer conn.Close()
	if err := e.pool.AdoptFile(t.ctx, conn); err != nil {
		e.terminate(t, err)
		return
	}

	e.receiveFile(t, conn, token)
}

// awaitFileConn waits for the uploader to open the file connection, and
// failing that opens one itself.
func (e *Engine) awaitFileConn(t *transfer, peer PeerIdentity, waiter <-chan *Conn) (*Conn, error) {
	timer := time.NewTimer(e.opts.DirectTimeout)
	defer timer.Stop()

	select {
	case conn := <-waiter:
		if conn != nil {
			return conn, nil
		}
	case <-timer.C:
	case <-t.ctx.Done():
		return nil, t.ctx.Err()
	}
	return e.pool.FileConn(t.ctx, peer)
}

// receiveFile writes the downloader's preamble and pulls the stream into
// the local file, resuming from however much is already on disk.
func (e *Engine) receiveFile(t *transfer, conn *Conn, token uint32) {
	var offset uint64
	if info, err := os.Stat(t.localPath); err == nil {
		offset = uint64(info.Size())
	}

	if err := os.MkdirAll(filepath.Dir(t.localPath), 0o755); err != nil {
		e.terminate(t, err)
		return
	}
	f, err := os.OpenFile(t.localPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		e.terminate(t, err)
		return
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		e.terminate(t, err)
		return
	}

	if err := conn.WritePreamble(token, offset); err != nil {
		e.terminate(t, err)
		return
	}

	if err := t.setStatus(TransferActive); err != nil {
		return
	}
	t.mu.Lock()
	t.bytesDone = offset
	size := t.size
	t.mu.Unlock()
	e.save(t)

	e.log.WithFields(logrus.Fields{
		"peer":   t.username,
		"file":   t.remotePath,
		"offset": offset,
	}).Info("download started")

	buf := make([]byte, e.opts.TransferChunkSize)
	start := time.Now()
	var received uint64

	for {
		// Cancellation lands between chunks; one chunk of latency is the
		// agreed cost.
		select {
		case <-t.ctx.Done():
			e.terminate(t, t.ctx.Err())
			return
		default:
		}

		want := uint64(len(buf))
		if size > 0 {
			remaining := size - (offset + received)
			if remaining == 0 {
				break
			}
			if remaining < want {
				want = remaining
			}
		}

		n, err := conn.ReadRaw(buf[:want])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				e.terminate(t, werr)
				return
			}
			received += uint64(n)
			done := t.addBytes(uint64(n))
			elapsed := time.Since(start).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(received) / elapsed
			}
			e.events.emitTransferProgress(t.id, int64(done), speed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, ErrConnClosed) {
				break
			}
			e.terminate(t, err)
			return
		}
	}

	if size > 0 && offset+received < size {
		e.terminate(t, &TransferError{
			Username: t.username,
			Path:     t.remotePath,
			Err:      fmt.Errorf("stream ended at %d of %d bytes", offset+received, size),
		})
		return
	}

	if err := t.complete(); err != nil {
		return
	}
	e.save(t)
	e.finish(t)
	e.log.WithFields(logrus.Fields{
		"peer": t.username,
		"file": t.remotePath,
	}).Info("download completed")
}

// HandlePeerMessage consumes transfer-related peer traffic. It returns
// false for messages the engine does not own so the caller can surface
// them elsewhere.
func (e *Engine) HandlePeerMessage(username string, msg wire.PeerMessage) bool {
	switch m := msg.(type) {
	case *wire.TransferRequest:
		e.handleTransferRequest(username, m)
	case *wire.TransferResponse:
		e.handleTransferResponse(m)
	case *wire.PlaceInQueueResponse:
		if t := e.lookup(username, m.Filename); t != nil {
			t.setQueuePosition(m.Place)
			e.save(t)
		}
	case *wire.UploadDenied:
		if t := e.lookup(username, m.Filename); t != nil {
			e.terminate(t, &TransferError{Username: username, Path: m.Filename, Reason: m.Reason})
		}
	case *wire.UploadFailed:
		e.handleUploadFailed(username, m)
	case *wire.QueueUpload:
		e.handleQueueUpload(username, m)
	case *wire.PlaceInQueueRequest:
		e.handlePlaceInQueue(username, m)
	case *wire.GetSharedFileList:
		e.handleListRequest(username)
	default:
		return false
	}
	return true
}

// handleTransferRequest is the uploader's offer for a download we queued.
// Offers for nothing we asked for are refused outright.
func (e *Engine) handleTransferRequest(username string, m *wire.TransferRequest) {
	if m.Direction != wire.TransferDirectionUpload {
		e.replyPeer(username, &wire.TransferResponse{Token: m.Token, Allowed: false, Reason: "Cancelled"})
		return
	}
	t := e.lookup(username, m.Filename)
	if t == nil || t.currentStatus().Terminal() {
		e.replyPeer(username, &wire.TransferResponse{Token: m.Token, Allowed: false, Reason: "Cancelled"})
		return
	}

	e.mu.Lock()
	e.byToken[m.Token] = t
	e.mu.Unlock()
	t.setOffer(m.Token, m.Size)
}

func (e *Engine) handleTransferResponse(m *wire.TransferResponse) {
	e.mu.Lock()
	t := e.byToken[m.Token]
	e.mu.Unlock()
	if t == nil {
		return
	}
	select {
	case t.accepted <- acceptance{allowed: m.Allowed, reason: m.Reason}:
	default:
	}
}

// handleUploadFailed requeues a download still waiting in the remote
// queue; the next offer resumes from whatever is already on disk. Past the
// queue the report is a stream failure, not a queue shuffle.
func (e *Engine) handleUploadFailed(username string, m *wire.UploadFailed) {
	t := e.lookup(username, m.Filename)
	if t == nil || t.direction != DirectionDownload {
		return
	}

	if !t.requeue() {
		e.terminate(t, &TransferError{
			Username: username,
			Path:     m.Filename,
			Err:      errors.New("remote reported a failed upload"),
		})
		return
	}

	e.log.WithFields(logrus.Fields{
		"peer": username,
		"file": m.Filename,
	}).Warn("remote upload failed, requeueing")
	e.save(t)
	e.replyPeer(username, &wire.QueueUpload{Filename: m.Filename})
}

// handleQueueUpload is a remote peer asking to download from our share.
func (e *Engine) handleQueueUpload(username string, m *wire.QueueUpload) {
	if e.shares == nil {
		e.replyPeer(username, &wire.UploadDenied{Filename: m.Filename, Reason: "File not shared."})
		return
	}
	f, size, err := e.shares.Open(m.Filename)
	if err != nil {
		e.replyPeer(username, &wire.UploadDenied{Filename: m.Filename, Reason: "File not shared."})
		return
	}
	_ = f.Close()

	key := transferKey{username: username, path: m.Filename}
	e.mu.Lock()
	if existing, ok := e.active[key]; ok && !existing.currentStatus().Terminal() {
		// Re-queueing an already queued file is idempotent.
		e.mu.Unlock()
		return
	}
	t := newTransfer(DirectionUpload, username, m.Filename, "", size)
	e.transfers[t.id] = t
	e.active[key] = t
	e.uploadQ = append(e.uploadQ, t)
	e.mu.Unlock()

	e.save(t)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runUpload(t)
	}()
}

func (e *Engine) handlePlaceInQueue(username string, m *wire.PlaceInQueueRequest) {
	e.mu.Lock()
	place := uint32(0)
	pos := uint32(1)
	for _, q := range e.uploadQ {
		if q.currentStatus() != TransferQueued {
			continue
		}
		if q.username == username && q.remotePath == m.Filename {
			place = pos
			break
		}
		pos++
	}
	e.mu.Unlock()
	if place == 0 {
		return
	}
	e.replyPeer(username, &wire.PlaceInQueueResponse{Filename: m.Filename, Place: place})
}

func (e *Engine) handleListRequest(username string) {
	var dirs []wire.Directory
	if e.shares != nil {
		dirs = e.shares.Directories()
	}
	e.replyPeer(username, &wire.SharedFileListResponse{Directories: dirs})
}

// runUpload offers a queued upload once a slot frees, waits for the
// downloader to accept, opens the file connection, and streams from the
// offset the downloader's preamble names.
func (e *Engine) runUpload(t *transfer) {
	select {
	case e.uploadSlots <- struct{}{}:
		defer func() { <-e.uploadSlots }()
	case <-t.ctx.Done():
		e.terminate(t, t.ctx.Err())
		return
	case <-e.closed:
		e.terminate(t, ErrConnClosed)
		return
	}

	token := e.tokens.take(t.username)
	defer e.tokens.release(t.username, token)

	t.mu.Lock()
	t.token = token
	size := t.size
	t.mu.Unlock()
	e.mu.Lock()
	e.byToken[token] = t
	e.mu.Unlock()

	peer := PeerIdentity{Username: t.username}
	session, err := e.pool.Session(t.ctx, peer)
	if err != nil {
		e.terminate(t, err)
		return
	}
	err = session.Send(&wire.TransferRequest{
		Direction: wire.TransferDirectionUpload,
		Token:     token,
		Filename:  t.remotePath,
		Size:      size,
	})
	if err != nil {
		e.terminate(t, err)
		return
	}

	timer := time.NewTimer(e.opts.IndirectTimeout)
	defer timer.Stop()

	var acc acceptance
	select {
	case acc = <-t.accepted:
	case <-timer.C:
		e.terminate(t, ErrHandshakeTimeout)
		return
	case <-t.ctx.Done():
		e.terminate(t, t.ctx.Err())
		return
	}
	if !acc.allowed {
		e.terminate(t, &TransferError{Username: t.username, Path: t.remotePath, Reason: acc.reason})
		return
	}

	if err := t.setStatus(TransferConnecting); err != nil {
		return
	}
	e.save(t)

	conn, err := e.pool.FileConn(t.ctx, peer)
	if err != nil {
		e.terminate(t, err)
		e.replyPeer(t.username, &wire.UploadFailed{Filename: t.remotePath})
		return
	}
	defer conn.Close()

	e.sendFile(t, conn)
}

// sendFile reads the downloader's preamble and streams the file from the
// requested offset.
func (e *Engine) sendFile(t *transfer, conn *Conn) {
	_, offset, err := conn.ReadPreamble()
	if err != nil {
		e.terminate(t, err)
		return
	}

	f, size, err := e.shares.Open(t.remotePath)
	if err != nil {
		e.terminate(t, err)
		return
	}
	defer f.Close()

	if offset > size {
		e.terminate(t, &TransferError{
			Username: t.username,
			Path:     t.remotePath,
			Err:      fmt.Errorf("resume offset %d beyond file size %d", offset, size),
		})
		return
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		e.terminate(t, err)
		return
	}

	if err := t.setStatus(TransferActive); err != nil {
		return
	}
	t.mu.Lock()
	t.bytesDone = offset
	t.mu.Unlock()
	e.save(t)

	e.log.WithFields(logrus.Fields{
		"peer":   t.username,
		"file":   t.remotePath,
		"offset": offset,
	}).Info("upload started")

	buf := make([]byte, e.opts.TransferChunkSize)
	start := time.Now()
	var sent uint64

	for offset+sent < size {
		select {
		case <-t.ctx.Done():
			e.terminate(t, t.ctx.Err())
			return
		default:
		}

		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := conn.WriteRaw(buf[:n]); werr != nil {
				e.terminate(t, werr)
				return
			}
			sent += uint64(n)
			done := t.addBytes(uint64(n))
			elapsed := time.Since(start).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(sent) / elapsed
			}
			e.events.emitTransferProgress(t.id, int64(done), speed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			e.terminate(t, err)
			return
		}
	}

	if err := t.complete(); err != nil {
		return
	}
	e.save(t)
	e.finish(t)
	e.log.WithFields(logrus.Fields{
		"peer": t.username,
		"file": t.remotePath,
	}).Info("upload completed")
}

// Cancel moves a transfer to Cancelled. Already terminal transfers fail
// with ErrTransferTerminal.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	t := e.transfers[id]
	e.mu.Unlock()
	if t == nil {
		return fmt.Errorf("network: no transfer %q", id)
	}
	if err := t.cancelled(); err != nil {
		return err
	}
	e.save(t)
	e.finish(t)
	return nil
}

// Get returns a snapshot of one transfer.
func (e *Engine) Get(id string) (Transfer, bool) {
	e.mu.Lock()
	t := e.transfers[id]
	e.mu.Unlock()
	if t == nil {
		return Transfer{}, false
	}
	return t.snapshot(), true
}

// Transfers returns snapshots of every known transfer, terminal included.
func (e *Engine) Transfers() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transfer, 0, len(e.transfers))
	for _, t := range e.transfers {
		out = append(out, t.snapshot())
	}
	return out
}

func (e *Engine) lookup(username, path string) *transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[transferKey{username: username, path: path}]
}

func (e *Engine) replyPeer(username string, msg wire.PeerMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.DirectTimeout)
	defer cancel()
	session, err := e.pool.Session(ctx, PeerIdentity{Username: username})
	if err != nil {
		e.log.WithField("peer", username).WithError(err).Debug("cannot reply to peer")
		return
	}
	if err := session.Send(msg); err != nil {
		e.log.WithField("peer", username).WithError(err).Debug("peer reply failed")
	}
}

// terminate fails a transfer and hands it to history.
func (e *Engine) terminate(t *transfer, err error) {
	if ferr := t.fail(err); ferr != nil {
		return
	}
	e.save(t)
	e.finish(t)
	e.log.WithFields(logrus.Fields{
		"peer": t.username,
		"file": t.remotePath,
	}).WithError(err).Warn("transfer failed")
}

// finish removes the transfer from the active indexes and records it in
// history exactly once, no matter how many paths reach a terminal state.
func (e *Engine) finish(t *transfer) {
	t.historyOnce.Do(func() {
		snap := t.snapshot()

		e.mu.Lock()
		key := transferKey{username: t.username, path: t.remotePath}
		if e.active[key] == t {
			delete(e.active, key)
		}
		if snap.Token != 0 && e.byToken[snap.Token] == t {
			delete(e.byToken, snap.Token)
		}
		for i, q := range e.uploadQ {
			if q == t {
				e.uploadQ = append(e.uploadQ[:i], e.uploadQ[i+1:]...)
				break
			}
		}
		e.mu.Unlock()

		if e.store != nil {
			if err := e.store.RecordHistory(snap); err != nil {
				e.log.WithError(err).Warn("record transfer history")
			}
		}
		e.events.emitTransferDone(snap)
	})
}

// save persists the current state, best effort.
func (e *Engine) save(t *transfer) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTransfer(t.snapshot()); err != nil {
		e.log.WithError(err).Warn("persist transfer state")
	}
}

// Close cancels every live transfer and waits for their goroutines.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		for _, t := range e.transfers {
			t.cancel()
		}
		e.mu.Unlock()
		e.wg.Wait()
	})
	return nil
}
