package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Transfer directions as stored.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// TransferRecord is one row of live transfer state.
type TransferRecord struct {
	ID            string
	Direction     string
	Username      string
	RemotePath    string
	LocalPath     string
	Size          uint64
	BytesDone     uint64
	QueuePosition uint32
	Status        string
	Error         string
	StartedAt     int64
	UpdatedAt     int64
}

// HistoryRecord is one finished transfer.
type HistoryRecord struct {
	ID         string
	Direction  string
	Username   string
	RemotePath string
	LocalPath  string
	Size       uint64
	BytesDone  uint64
	Status     string
	Error      string
	StartedAt  int64
	EndedAt    int64
}

// PeerAddress is one cached peer endpoint.
type PeerAddress struct {
	Username string
	IP       string
	Port     uint32
	SeenAt   int64
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionDownload, DirectionUpload:
		return nil
	default:
		return errors.New("direction must be 'download' or 'upload'")
	}
}
