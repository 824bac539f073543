package network

import (
	"errors"
	"testing"
)

func TestTransferTerminalStatesSticky(t *testing.T) {
	tr := newTransfer(DirectionDownload, "peer", "a.mp3", "/tmp/a.mp3", 100)

	if err := tr.setStatus(TransferConnecting); err != nil {
		t.Fatalf("queued -> connecting: %v", err)
	}
	if err := tr.setStatus(TransferActive); err != nil {
		t.Fatalf("connecting -> transferring: %v", err)
	}
	if err := tr.complete(); err != nil {
		t.Fatalf("transferring -> completed: %v", err)
	}

	if err := tr.setStatus(TransferActive); !errors.Is(err, ErrTransferTerminal) {
		t.Fatalf("leaving completed: got %v, want ErrTransferTerminal", err)
	}
	if err := tr.fail(errors.New("late failure")); !errors.Is(err, ErrTransferTerminal) {
		t.Fatalf("failing completed transfer: got %v, want ErrTransferTerminal", err)
	}
	if err := tr.cancelled(); !errors.Is(err, ErrTransferTerminal) {
		t.Fatalf("cancelling completed transfer: got %v, want ErrTransferTerminal", err)
	}
	if tr.currentStatus() != TransferCompleted {
		t.Fatalf("status changed after terminal: %s", tr.currentStatus())
	}
}

func TestTransferFailRecordsError(t *testing.T) {
	tr := newTransfer(DirectionUpload, "peer", "b.mp3", "", 10)
	if err := tr.fail(errors.New("stream broke")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	snap := tr.snapshot()
	if snap.Status != TransferFailed {
		t.Fatalf("status = %s, want failed", snap.Status)
	}
	if snap.Error != "stream broke" {
		t.Fatalf("error = %q", snap.Error)
	}
	if snap.EndedAt.IsZero() {
		t.Fatal("terminal transfer has no end time")
	}
}

func TestQueuePositionIdempotent(t *testing.T) {
	tr := newTransfer(DirectionDownload, "peer", "c.mp3", "/tmp/c.mp3", 0)

	tr.setQueuePosition(5)
	if tr.currentStatus() != TransferWaiting {
		t.Fatalf("status = %s, want waiting", tr.currentStatus())
	}
	if tr.snapshot().QueuePosition != 5 {
		t.Fatalf("position = %d, want 5", tr.snapshot().QueuePosition)
	}

	// Re-announcing the same position changes nothing.
	tr.setQueuePosition(5)
	if tr.snapshot().QueuePosition != 5 || tr.currentStatus() != TransferWaiting {
		t.Fatal("idempotent re-announcement mutated state")
	}

	// A new position updates in place.
	tr.setQueuePosition(2)
	if tr.snapshot().QueuePosition != 2 {
		t.Fatalf("position = %d, want 2", tr.snapshot().QueuePosition)
	}

	// Positions arriving after the queue phase are stale and ignored.
	if err := tr.setStatus(TransferActive); err != nil {
		t.Fatalf("to active: %v", err)
	}
	tr.setQueuePosition(9)
	if tr.snapshot().QueuePosition != 2 {
		t.Fatal("stale queue position applied to active transfer")
	}
}

func TestRequeueOnlyFromQueue(t *testing.T) {
	tr := newTransfer(DirectionDownload, "peer", "e.mp3", "/tmp/e.mp3", 0)

	tr.setQueuePosition(7)
	if !tr.requeue() {
		t.Fatal("requeue refused for a waiting download")
	}
	if tr.currentStatus() != TransferQueued || tr.snapshot().QueuePosition != 0 {
		t.Fatalf("requeue left %s at position %d", tr.currentStatus(), tr.snapshot().QueuePosition)
	}

	// Past the queue there is no offer-wait loop left to consume a new
	// offer, so the requeue must refuse.
	if err := tr.setStatus(TransferConnecting); err != nil {
		t.Fatalf("to connecting: %v", err)
	}
	if tr.requeue() {
		t.Fatal("requeue accepted past the queue phase")
	}

	if err := tr.fail(errors.New("stream broke")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if tr.requeue() {
		t.Fatal("requeue resurrected a failed transfer")
	}
	if tr.currentStatus() != TransferFailed {
		t.Fatalf("status = %s after refused requeue, want failed", tr.currentStatus())
	}
}

func TestTransferOfferConsumedOnce(t *testing.T) {
	tr := newTransfer(DirectionDownload, "peer", "d.mp3", "/tmp/d.mp3", 0)

	tr.setOffer(7, 1000)
	tr.setOffer(7, 1000) // duplicate offer must not block or double-fire

	select {
	case <-tr.offered:
	default:
		t.Fatal("offer never signalled")
	}
	select {
	case <-tr.offered:
		t.Fatal("offer signalled twice")
	default:
	}

	snap := tr.snapshot()
	if snap.Token != 7 || snap.Size != 1000 {
		t.Fatalf("offer not recorded: token=%d size=%d", snap.Token, snap.Size)
	}
}
