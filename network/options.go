package network

import (
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"slsk/wire"
)

const (
	// DefaultServerAddress is the central server of the network.
	DefaultServerAddress = "server.slsknet.org:2242"
	// DefaultClientVersion is the protocol version sent at login.
	DefaultClientVersion = 160
	// DefaultMinorVersion is the minor protocol version sent at login.
	DefaultMinorVersion = 1

	defaultDirectTimeout      = 10 * time.Second
	defaultIndirectTimeout    = 30 * time.Second
	defaultIdleWindow         = 2 * time.Minute
	defaultReapInterval       = 30 * time.Second
	defaultSearchTTL          = 5 * time.Minute
	defaultPingInterval       = 60 * time.Second
	defaultMaxPeerConnections = 64
	defaultDownloadSlots      = 3
	defaultUploadSlots        = 2
	defaultTransferChunkSize  = 64 << 10
)

// Options configures the client's network behaviour. The zero value is
// usable for everything except Username and Password.
type Options struct {
	// Username and Password are the account credentials.
	Username string
	Password string

	// ServerAddress is the central server, host:port.
	ServerAddress string
	// ListenAddress is the local peer listener, host:port. An empty host
	// or a zero port is valid and lets the OS choose.
	ListenAddress string

	// DirectTimeout bounds one direct dial plus its peer-init exchange.
	DirectTimeout time.Duration
	// IndirectTimeout bounds a server-relayed connection request.
	IndirectTimeout time.Duration
	// IdleWindow is how long a pooled connection may sit idle before the
	// reaper closes it.
	IdleWindow time.Duration
	// ReapInterval is how often the pool sweeps for idle connections.
	ReapInterval time.Duration
	// SearchTTL is how long search tokens accept late results.
	SearchTTL time.Duration
	// PingInterval is the server keepalive period.
	PingInterval time.Duration

	// MaxPeerConnections caps concurrent peer connections of all kinds.
	MaxPeerConnections int64
	// DownloadSlots caps concurrent receiving transfers.
	DownloadSlots int
	// UploadSlots caps concurrent sending transfers.
	UploadSlots int
	// TransferChunkSize is the unit of file-stream I/O; cancellation is
	// detected between chunks.
	TransferChunkSize int

	// ServerMessageLimit bounds one framed server message.
	ServerMessageLimit uint32
	// PeerMessageLimit bounds one framed peer message.
	PeerMessageLimit uint32
	// InflateLimit bounds the decompressed size of one compressed payload.
	InflateLimit int64

	// ClientVersion and MinorVersion are sent at login.
	ClientVersion uint32
	MinorVersion  uint32

	// Logger receives structured diagnostics. Nil means discard.
	Logger *logrus.Logger
}

// withDefaults returns a copy with every unset field filled in.
func (o Options) withDefaults() Options {
	if o.ServerAddress == "" {
		o.ServerAddress = DefaultServerAddress
	}
	if o.DirectTimeout <= 0 {
		o.DirectTimeout = defaultDirectTimeout
	}
	if o.IndirectTimeout <= 0 {
		o.IndirectTimeout = defaultIndirectTimeout
	}
	if o.IdleWindow <= 0 {
		o.IdleWindow = defaultIdleWindow
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = defaultReapInterval
	}
	if o.SearchTTL <= 0 {
		o.SearchTTL = defaultSearchTTL
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.MaxPeerConnections <= 0 {
		o.MaxPeerConnections = defaultMaxPeerConnections
	}
	if o.DownloadSlots <= 0 {
		o.DownloadSlots = defaultDownloadSlots
	}
	if o.UploadSlots <= 0 {
		o.UploadSlots = defaultUploadSlots
	}
	if o.TransferChunkSize <= 0 {
		o.TransferChunkSize = defaultTransferChunkSize
	}
	if o.ServerMessageLimit == 0 {
		o.ServerMessageLimit = wire.DefaultServerMessageLimit
	}
	if o.PeerMessageLimit == 0 {
		o.PeerMessageLimit = wire.DefaultPeerMessageLimit
	}
	if o.InflateLimit <= 0 {
		o.InflateLimit = wire.DefaultInflateLimit
	}
	if o.ClientVersion == 0 {
		o.ClientVersion = DefaultClientVersion
	}
	if o.MinorVersion == 0 {
		o.MinorVersion = DefaultMinorVersion
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	return o
}

// validate rejects options that cannot produce a working client.
func (o Options) validate() error {
	if o.Username == "" {
		return errors.New("network: username is required")
	}
	if o.Password == "" {
		return errors.New("network: password is required")
	}
	return nil
}

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
