package network

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"slsk/wire"
)

// fakeUploader is a scripted remote peer: it serves the messaging
// connection, offers the file when queued, and opens the file connection
// once the downloader accepts.
type fakeUploader struct {
	t        *testing.T
	username string
	content  []byte
	// denyWith, when set, refuses the queue request with this reason.
	denyWith string
	// dropAfter, when positive, closes the file stream after that many
	// bytes to simulate a broken upload.
	dropAfter int

	ln       net.Listener
	peerAddr string
}

func newFakeUploader(t *testing.T, username string, content []byte, peerListenerAddr string) *fakeUploader {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake uploader listen: %v", err)
	}
	f := &fakeUploader{
		t:        t,
		username: username,
		content:  content,
		ln:       ln,
		peerAddr: peerListenerAddr,
	}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeUploader) endpoint() PeerIdentity {
	addr := f.ln.Addr().(*net.TCPAddr)
	return PeerIdentity{Username: f.username}.WithEndpoint(addr.IP, uint32(addr.Port))
}

func (f *fakeUploader) serve() {
	conn, err := f.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	// Downloader's peer-init.
	if _, _, err := wire.ReadPeerInitFrame(conn, wire.DefaultPeerMessageLimit); err != nil {
		return
	}

	const token = 4242
	for {
		code, payload, err := wire.ReadPeerFrame(conn, wire.DefaultPeerMessageLimit)
		if err != nil {
			return
		}
		switch code {
		case wire.CodeQueueUpload:
			var q wire.QueueUpload
			if err := q.UnmarshalPayload(payload); err != nil {
				return
			}
			if f.denyWith != "" {
				denied := &wire.UploadDenied{Filename: q.Filename, Reason: f.denyWith}
				p, _ := denied.MarshalPayload()
				_ = wire.WritePeerFrame(conn, denied.PeerCode(), p, wire.DefaultPeerMessageLimit)
				continue
			}
			offer := &wire.TransferRequest{
				Direction: wire.TransferDirectionUpload,
				Token:     token,
				Filename:  q.Filename,
				Size:      uint64(len(f.content)),
			}
			p, _ := offer.MarshalPayload()
			_ = wire.WritePeerFrame(conn, offer.PeerCode(), p, wire.DefaultPeerMessageLimit)

		case wire.CodeTransferResponse:
			var resp wire.TransferResponse
			if err := resp.UnmarshalPayload(payload); err != nil {
				return
			}
			if !resp.Allowed {
				continue
			}
			go f.streamFile()
		}
	}
}

func (f *fakeUploader) streamFile() {
	raw, err := net.Dial("tcp", f.peerAddr)
	if err != nil {
		return
	}
	defer raw.Close()

	init := &wire.PeerInit{Username: f.username, ConnType: wire.ConnTypeFile}
	if err := wire.WritePeerInitFrame(raw, wire.CodePeerInit, init.MarshalPayload(), wire.DefaultPeerMessageLimit); err != nil {
		return
	}

	_, offset, err := wire.ReadTransferPreamble(raw)
	if err != nil || offset > uint64(len(f.content)) {
		return
	}

	data := f.content[offset:]
	if f.dropAfter > 0 && f.dropAfter < len(data) {
		data = data[:f.dropAfter]
	}
	_, _ = raw.Write(data)
}

func newTestStack(t *testing.T, events *Events) *Stack {
	t.Helper()
	opts := Options{
		Username:      "tester",
		Password:      "secret",
		ListenAddress: "127.0.0.1:0",
		DirectTimeout: 2 * time.Second,
	}
	stack, err := NewStack(opts, nil, nil, events)
	if err != nil {
		t.Fatalf("new stack: %v", err)
	}
	t.Cleanup(func() { stack.Close() })
	return stack
}

func TestDownloadEndToEnd(t *testing.T) {
	done := make(chan Transfer, 1)
	events := &Events{OnTransferDone: func(tr Transfer) { done <- tr }}
	stack := newTestStack(t, events)

	content := bytes.Repeat([]byte("abcdefgh"), 4096)
	uploader := newFakeUploader(t, "uploader", content, stack.Listener.Addr().String())

	localPath := filepath.Join(t.TempDir(), "track.mp3")
	tr, err := stack.Engine.Download(uploader.endpoint(), "@@share\\track.mp3", localPath)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if tr.Status != TransferQueued {
		t.Fatalf("initial status = %s, want queued", tr.Status)
	}

	select {
	case final := <-done:
		if final.Status != TransferCompleted {
			t.Fatalf("final status = %s (%s), want completed", final.Status, final.Error)
		}
		if final.BytesDone != uint64(len(content)) {
			t.Fatalf("bytes done = %d, want %d", final.BytesDone, len(content))
		}
	case <-time.After(10 * time.Second):
		t.Fatal("download never finished")
	}

	got, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("downloaded content differs from source")
	}
}

func TestDownloadResumesFromOffset(t *testing.T) {
	done := make(chan Transfer, 1)
	events := &Events{OnTransferDone: func(tr Transfer) { done <- tr }}
	stack := newTestStack(t, events)

	content := bytes.Repeat([]byte("0123456789abcdef"), 2048)
	uploader := newFakeUploader(t, "uploader", content, stack.Listener.Addr().String())

	// Half the file is already on disk from an earlier attempt.
	localPath := filepath.Join(t.TempDir(), "resume.mp3")
	half := len(content) / 2
	if err := os.WriteFile(localPath, content[:half], 0o644); err != nil {
		t.Fatalf("seed partial file: %v", err)
	}

	if _, err := stack.Engine.Download(uploader.endpoint(), "@@share\\resume.mp3", localPath); err != nil {
		t.Fatalf("download: %v", err)
	}

	select {
	case final := <-done:
		if final.Status != TransferCompleted {
			t.Fatalf("final status = %s (%s), want completed", final.Status, final.Error)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("resumed download never finished")
	}

	got, err := os.ReadFile(localPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("resumed content differs from source")
	}
}

func TestDownloadDenied(t *testing.T) {
	done := make(chan Transfer, 1)
	events := &Events{OnTransferDone: func(tr Transfer) { done <- tr }}
	stack := newTestStack(t, events)

	uploader := newFakeUploader(t, "uploader", []byte("x"), stack.Listener.Addr().String())
	uploader.denyWith = "Banned"

	if _, err := stack.Engine.Download(uploader.endpoint(), "@@share\\x.mp3", filepath.Join(t.TempDir(), "x.mp3")); err != nil {
		t.Fatalf("download: %v", err)
	}

	select {
	case final := <-done:
		if final.Status != TransferFailed {
			t.Fatalf("final status = %s, want failed", final.Status)
		}
		if final.Error == "" {
			t.Fatal("denial reason lost")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("denied download never terminated")
	}
}

func TestDuplicateDownloadRejected(t *testing.T) {
	stack := newTestStack(t, &Events{})

	dir := t.TempDir()
	// Duplication needs the first transfer parked in queued, so the peer
	// accepts the queue request and then stays silent.
	silent, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("silent listen: %v", err)
	}
	defer silent.Close()
	go func() {
		for {
			conn, err := silent.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _, _ = wire.ReadPeerInitFrame(c, wire.DefaultPeerMessageLimit)
				_, _ = io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	addr := silent.Addr().(*net.TCPAddr)
	peer := PeerIdentity{Username: "quiet"}.WithEndpoint(addr.IP, uint32(addr.Port))

	if _, err := stack.Engine.Download(peer, "@@share\\dup.mp3", filepath.Join(dir, "dup.mp3")); err != nil {
		t.Fatalf("first download: %v", err)
	}
	_, err = stack.Engine.Download(peer, "@@share\\dup.mp3", filepath.Join(dir, "dup2.mp3"))
	if !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("second download: got %v, want ErrDuplicateTransfer", err)
	}
}

func TestUploadFailedWhileQueuedRequeues(t *testing.T) {
	stack := newTestStack(t, &Events{})
	peer := silentPeer(t)

	tr, err := stack.Engine.Download(peer, "@@share\\retry.mp3", filepath.Join(t.TempDir(), "retry.mp3"))
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	// A failure report while we are still in the remote queue re-queues
	// the request instead of failing the transfer.
	if !stack.Engine.HandlePeerMessage(peer.Username, &wire.UploadFailed{Filename: "@@share\\retry.mp3"}) {
		t.Fatal("upload-failed report not consumed")
	}

	got, ok := stack.Engine.Get(tr.ID)
	if !ok {
		t.Fatal("transfer lost")
	}
	if got.Status != TransferQueued {
		t.Fatalf("status = %s after requeue, want queued", got.Status)
	}
}

func TestUploadFailedPastQueueFails(t *testing.T) {
	done := make(chan Transfer, 1)
	stack := newTestStack(t, &Events{OnTransferDone: func(tr Transfer) { done <- tr }})
	peer := silentPeer(t)

	tr, err := stack.Engine.Download(peer, "@@share\\drop.mp3", filepath.Join(t.TempDir(), "drop.mp3"))
	if err != nil {
		t.Fatalf("download: %v", err)
	}

	offer := &wire.TransferRequest{
		Direction: wire.TransferDirectionUpload,
		Token:     99,
		Filename:  "@@share\\drop.mp3",
		Size:      128,
	}
	if !stack.Engine.HandlePeerMessage(peer.Username, offer) {
		t.Fatal("offer not consumed")
	}

	// Wait for the download to move past the queue phase.
	deadline := time.Now().Add(3 * time.Second)
	for {
		got, ok := stack.Engine.Get(tr.ID)
		if !ok {
			t.Fatal("transfer lost")
		}
		if got.Status != TransferQueued && got.Status != TransferWaiting {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("download never left the queue")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Past the queue a failure report is a stream failure; requeueing
	// would strand the transfer with nothing waiting for a new offer.
	if !stack.Engine.HandlePeerMessage(peer.Username, &wire.UploadFailed{Filename: "@@share\\drop.mp3"}) {
		t.Fatal("upload-failed report not consumed")
	}

	select {
	case final := <-done:
		if final.Status != TransferFailed {
			t.Fatalf("final status = %s, want failed", final.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never terminated after mid-stream failure report")
	}
}

func TestCancelQueuedDownload(t *testing.T) {
	done := make(chan Transfer, 1)
	stack := newTestStack(t, &Events{OnTransferDone: func(tr Transfer) { done <- tr }})

	silent, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("silent listen: %v", err)
	}
	defer silent.Close()
	go func() {
		for {
			conn, err := silent.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _, _ = wire.ReadPeerInitFrame(c, wire.DefaultPeerMessageLimit)
				_, _ = io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	addr := silent.Addr().(*net.TCPAddr)
	peer := PeerIdentity{Username: "quiet"}.WithEndpoint(addr.IP, uint32(addr.Port))

	tr, err := stack.Engine.Download(peer, "@@share\\park.mp3", filepath.Join(t.TempDir(), "park.mp3"))
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if err := stack.Engine.Cancel(tr.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case final := <-done:
		if final.Status != TransferCancelled {
			t.Fatalf("final status = %s, want cancelled", final.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled transfer never reached history")
	}

	// A second cancel hits a terminal transfer.
	if err := stack.Engine.Cancel(tr.ID); !errors.Is(err, ErrTransferTerminal) {
		t.Fatalf("second cancel: got %v, want ErrTransferTerminal", err)
	}
}
