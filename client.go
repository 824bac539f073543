package slsk

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"slsk/nat"
	"slsk/network"
	"slsk/storage"
	"slsk/wire"
)

// Config configures a Client. Username and Password are required;
// everything else has working defaults.
type Config struct {
	Username string
	Password string

	// ServerAddress overrides the default central server.
	ServerAddress string
	// ListenAddress is the local peer listener; empty lets the OS choose
	// a port.
	ListenAddress string

	// DataDir holds the SQLite database. Empty disables persistence:
	// transfers neither survive restarts nor reach history.
	DataDir string

	// Shares serves upload and browse requests. Nil declines them all.
	Shares network.SharedProvider

	// MapPort asks the local gateway to forward the listener port via
	// UPnP or NAT-PMP. Failure is logged and ignored.
	MapPort bool

	// Events receives notifications. Optional.
	Events *network.Events

	// Logger receives structured diagnostics. Nil means discard.
	Logger *logrus.Logger

	// Network tunes timeouts, slots, and message limits beyond the
	// defaults. Username, Password, and the addresses above win over the
	// same fields here.
	Network network.Options
}

// Client is one logged-in presence on the network.
type Client struct {
	log    *logrus.Logger
	store  *storage.Store
	stack  *network.Stack
	mapper *nat.Mapper

	natStop chan struct{}
	natDone chan struct{}
}

// New builds a Client. It opens storage and starts the peer listener but
// does not touch the server; call Connect.
func New(cfg Config) (*Client, error) {
	opts := cfg.Network
	opts.Username = cfg.Username
	opts.Password = cfg.Password
	if cfg.ServerAddress != "" {
		opts.ServerAddress = cfg.ServerAddress
	}
	if cfg.ListenAddress != "" {
		opts.ListenAddress = cfg.ListenAddress
	}
	if cfg.Logger != nil {
		opts.Logger = cfg.Logger
	}

	c := &Client{
		log:     opts.Logger,
		natStop: make(chan struct{}),
		natDone: make(chan struct{}),
	}
	if c.log == nil {
		c.log = logrus.New()
		opts.Logger = c.log
	}

	var ts network.TransferStore
	if cfg.DataDir != "" {
		store, dbPath, err := storage.Open(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		c.store = store
		ts = &storeAdapter{store: store}
		c.log.WithField("path", dbPath).Debug("storage opened")
	}

	stack, err := network.NewStack(opts, ts, cfg.Shares, cfg.Events)
	if err != nil {
		if c.store != nil {
			_ = c.store.Close()
		}
		return nil, err
	}
	c.stack = stack

	if cfg.MapPort {
		go c.runPortMapping()
	} else {
		close(c.natDone)
	}

	return c, nil
}

// runPortMapping maps the listener port and renews the lease until Close.
func (c *Client) runPortMapping() {
	defer close(c.natDone)

	port := uint16(c.stack.Listener.Port())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	mapper, err := nat.Map(ctx, port, nil, c.log)
	cancel()
	if err != nil {
		c.log.WithError(err).Debug("port mapping unavailable")
		return
	}
	c.mapper = mapper

	ticker := time.NewTicker(nat.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := mapper.Refresh(); err != nil {
				c.log.WithError(err).Debug("port mapping renewal failed")
			}
		case <-c.natStop:
			_ = mapper.Unmap()
			return
		}
	}
}

// Connect logs in to the server and re-queues downloads interrupted by the
// last shutdown.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.stack.Start(ctx); err != nil {
		return err
	}
	c.resumeDownloads(ctx)
	return nil
}

// resumeDownloads re-queues persisted non-terminal downloads. Each resumes
// from whatever is already on disk.
func (c *Client) resumeDownloads(ctx context.Context) {
	if c.store == nil {
		return
	}
	records, err := c.store.LoadResumable()
	if err != nil {
		c.log.WithError(err).Warn("load resumable transfers")
		return
	}
	for _, rec := range records {
		_ = c.store.DeleteTransfer(rec.ID)
		if _, err := c.Download(ctx, rec.Username, rec.RemotePath, rec.LocalPath); err != nil {
			c.log.WithFields(logrus.Fields{
				"peer": rec.Username,
				"file": rec.RemotePath,
			}).WithError(err).Warn("resume download")
		}
	}
}

// Search fans a query out to the network. Results arrive via
// Events.OnSearchResults under the returned token until the search TTL
// lapses.
func (c *Client) Search(query string) (uint32, error) {
	return c.stack.Server.Search(query)
}

// CancelSearch stops accepting results for a token.
func (c *Client) CancelSearch(token uint32) {
	c.stack.Server.CancelSearch(token)
}

// Download queues a file for download from a peer. The transfer proceeds
// in the background; watch Events for progress and completion.
func (c *Client) Download(ctx context.Context, username, remotePath, localPath string) (network.Transfer, error) {
	peer, err := c.resolvePeer(ctx, username)
	if err != nil {
		return network.Transfer{}, err
	}
	return c.stack.Engine.Download(peer, remotePath, localPath)
}

// CancelTransfer cancels a live transfer.
func (c *Client) CancelTransfer(id string) error {
	return c.stack.Engine.Cancel(id)
}

// Transfers returns snapshots of every known transfer.
func (c *Client) Transfers() []network.Transfer {
	return c.stack.Engine.Transfers()
}

// History returns finished transfers, newest first. Requires persistence.
func (c *Client) History(limit int) ([]storage.HistoryRecord, error) {
	if c.store == nil {
		return nil, errors.New("slsk: persistence disabled")
	}
	return c.store.ListHistory(limit)
}

// Browse asks a peer for its full share list, delivered via
// Events.OnPeerMessage as a SharedFileListResponse.
func (c *Client) Browse(ctx context.Context, username string) error {
	peer, err := c.resolvePeer(ctx, username)
	if err != nil {
		return err
	}
	session, err := c.stack.Pool.Session(ctx, peer)
	if err != nil {
		return err
	}
	return session.Send(&wire.GetSharedFileList{})
}

// SendPrivateMessage sends a private message via the server.
func (c *Client) SendPrivateMessage(username, message string) error {
	return c.stack.Server.Send(&wire.MessageUser{Username: username, Message: message})
}

// JoinRoom joins a public chatroom.
func (c *Client) JoinRoom(room string) error {
	return c.stack.Server.Send(&wire.JoinRoom{Room: room})
}

// LeaveRoom leaves a chatroom.
func (c *Client) LeaveRoom(room string) error {
	return c.stack.Server.Send(&wire.LeaveRoom{Room: room})
}

// SayRoom sends a chat line to a joined room.
func (c *Client) SayRoom(room, message string) error {
	return c.stack.Server.Send(&wire.SayChatroom{Room: room, Message: message})
}

// SetStatus sets the away/online status.
func (c *Client) SetStatus(status uint32) error {
	return c.stack.Server.Send(&wire.SetStatus{Status: status})
}

// ServerState reports the server session state.
func (c *Client) ServerState() network.ServerState {
	return c.stack.Server.State()
}

// resolvePeer builds a dialable identity: the server's answer first, the
// cached last known endpoint as fallback.
func (c *Client) resolvePeer(ctx context.Context, username string) (network.PeerIdentity, error) {
	peer := network.PeerIdentity{Username: username}

	if c.store != nil {
		if cached, err := c.store.GetPeerAddress(username); err == nil {
			if ip := net.ParseIP(cached.IP); ip != nil {
				peer = peer.WithEndpoint(ip, cached.Port)
			}
		}
	}

	resp, err := c.stack.Server.ResolveAddress(ctx, username)
	if err != nil {
		if len(peer.Endpoints) > 0 {
			return peer, nil
		}
		return peer, fmt.Errorf("resolve peer %q: %w", username, err)
	}
	if resp.IP != nil && !resp.IP.IsUnspecified() && resp.Port != 0 {
		peer = peer.WithEndpoint(resp.IP, resp.Port)
		if c.store != nil {
			_ = c.store.UpsertPeerAddress(storage.PeerAddress{
				Username: username,
				IP:       resp.IP.String(),
				Port:     resp.Port,
			})
		}
	}
	return peer, nil
}

// Close disconnects and releases every resource.
func (c *Client) Close() error {
	close(c.natStop)
	err := c.stack.Close()
	<-c.natDone
	if c.store != nil {
		if serr := c.store.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// storeAdapter maps engine snapshots onto storage rows.
type storeAdapter struct {
	store *storage.Store
}

func (a *storeAdapter) SaveTransfer(t network.Transfer) error {
	return a.store.SaveTransfer(storage.TransferRecord{
		ID:            t.ID,
		Direction:     string(t.Direction),
		Username:      t.Username,
		RemotePath:    t.RemotePath,
		LocalPath:     t.LocalPath,
		Size:          t.Size,
		BytesDone:     t.BytesDone,
		QueuePosition: t.QueuePosition,
		Status:        string(t.Status),
		Error:         t.Error,
		StartedAt:     t.StartedAt.UnixMilli(),
	})
}

func (a *storeAdapter) RecordHistory(t network.Transfer) error {
	return a.store.RecordHistory(storage.HistoryRecord{
		ID:         t.ID,
		Direction:  string(t.Direction),
		Username:   t.Username,
		RemotePath: t.RemotePath,
		LocalPath:  t.LocalPath,
		Size:       t.Size,
		BytesDone:  t.BytesDone,
		Status:     string(t.Status),
		Error:      t.Error,
		StartedAt:  t.StartedAt.UnixMilli(),
		EndedAt:    t.EndedAt.UnixMilli(),
	})
}
