package network

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TransferDirection distinguishes receiving from sending.
type TransferDirection string

const (
	DirectionDownload TransferDirection = "download"
	DirectionUpload   TransferDirection = "upload"
)

// TransferStatus is one stage of a transfer's lifecycle. Terminal statuses
// are retained; they never transition again.
type TransferStatus string

const (
	// TransferQueued means the request is accepted locally but the remote
	// side has not offered the file yet.
	TransferQueued TransferStatus = "queued"
	// TransferWaiting means the remote queued us and we know our position.
	TransferWaiting TransferStatus = "waiting"
	// TransferConnecting means the file connection is being established.
	TransferConnecting TransferStatus = "connecting"
	// TransferActive means bytes are moving.
	TransferActive TransferStatus = "transferring"

	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferCancelled TransferStatus = "cancelled"
)

// Terminal reports whether the status allows no further transitions.
func (s TransferStatus) Terminal() bool {
	switch s {
	case TransferCompleted, TransferFailed, TransferCancelled:
		return true
	}
	return false
}

// Transfer is an immutable snapshot of one transfer's state.
type Transfer struct {
	ID        string
	Direction TransferDirection
	Username  string
	// RemotePath is the path in the remote peer's share namespace.
	RemotePath string
	// LocalPath is where bytes land (downloads) or come from (uploads).
	LocalPath string

	Size          uint64
	BytesDone     uint64
	Token         uint32
	QueuePosition uint32

	Status    TransferStatus
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// transfer is the mutable engine-internal record behind a Transfer
// snapshot.
type transfer struct {
	mu sync.Mutex

	id         string
	direction  TransferDirection
	username   string
	remotePath string
	localPath  string

	size          uint64
	bytesDone     uint64
	token         uint32
	queuePosition uint32

	status    TransferStatus
	lastErr   error
	startedAt time.Time
	endedAt   time.Time

	// ctx is cancelled when the transfer is cancelled; the stream loop
	// checks it between chunks.
	ctx    context.Context
	cancel context.CancelFunc

	// offered is consumed exactly once when the remote's transfer offer
	// arrives for a queued download.
	offered chan struct{}
	// accepted is consumed exactly once when the remote answers our
	// upload offer.
	accepted chan acceptance

	// historyOnce guards the single handoff to persistent history.
	historyOnce sync.Once
}

type acceptance struct {
	allowed bool
	reason  string
}

func newTransfer(direction TransferDirection, username, remotePath, localPath string, size uint64) *transfer {
	ctx, cancel := context.WithCancel(context.Background())
	return &transfer{
		id:         uuid.NewString(),
		direction:  direction,
		username:   username,
		remotePath: remotePath,
		localPath:  localPath,
		size:       size,
		status:     TransferQueued,
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		offered:    make(chan struct{}, 1),
		accepted:   make(chan acceptance, 1),
	}
}

// snapshot returns a copy safe to hand to callers and callbacks.
func (t *transfer) snapshot() Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *transfer) snapshotLocked() Transfer {
	s := Transfer{
		ID:            t.id,
		Direction:     t.direction,
		Username:      t.username,
		RemotePath:    t.remotePath,
		LocalPath:     t.localPath,
		Size:          t.size,
		BytesDone:     t.bytesDone,
		Token:         t.token,
		QueuePosition: t.queuePosition,
		Status:        t.status,
		StartedAt:     t.startedAt,
		EndedAt:       t.endedAt,
	}
	if t.lastErr != nil {
		s.Error = t.lastErr.Error()
	}
	return s
}

// setStatus advances the lifecycle. Terminal states are sticky and any
// attempt to leave one fails with ErrTransferTerminal.
func (t *transfer) setStatus(s TransferStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return ErrTransferTerminal
	}
	t.status = s
	if s.Terminal() {
		t.endedAt = time.Now()
	}
	return nil
}

func (t *transfer) currentStatus() TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setQueuePosition records the remote queue position. Re-announcing the
// same position is a no-op; transfers already past the queue ignore it.
func (t *transfer) setQueuePosition(pos uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case TransferQueued, TransferWaiting:
	default:
		return
	}
	if t.status == TransferWaiting && t.queuePosition == pos {
		return
	}
	t.queuePosition = pos
	t.status = TransferWaiting
}

// requeue puts the download back at the end of the remote queue. It only
// applies while the transfer is still queued or waiting; once past the
// queue the offer-wait loop is gone and a new offer would have no consumer.
func (t *transfer) requeue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case TransferQueued, TransferWaiting:
	default:
		return false
	}
	t.status = TransferQueued
	t.queuePosition = 0
	return true
}

func (t *transfer) fail(err error) error {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return ErrTransferTerminal
	}
	t.status = TransferFailed
	t.lastErr = err
	t.endedAt = time.Now()
	t.mu.Unlock()
	t.cancel()
	return nil
}

func (t *transfer) complete() error {
	if err := t.setStatus(TransferCompleted); err != nil {
		return err
	}
	t.cancel()
	return nil
}

func (t *transfer) cancelled() error {
	if err := t.setStatus(TransferCancelled); err != nil {
		return err
	}
	t.cancel()
	return nil
}

func (t *transfer) addBytes(n uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesDone += n
	return t.bytesDone
}

func (t *transfer) setOffer(token uint32, size uint64) {
	t.mu.Lock()
	t.token = token
	if size > 0 {
		t.size = size
	}
	t.mu.Unlock()
	select {
	case t.offered <- struct{}{}:
	default:
	}
}
