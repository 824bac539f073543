// Package network implements the connection machinery of the client: the
// handshake state machine for peer connections, the listener, the
// connection pool with its idle reaper, the server session, and the
// transfer engine.
package network

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed indicates an operation on a connection that already
	// terminated.
	ErrConnClosed = errors.New("network: connection closed")
	// ErrPoolExhausted indicates the connection ceiling was hit and nothing
	// idle could be evicted for a casual request.
	ErrPoolExhausted = errors.New("network: connection pool exhausted")
	// ErrHandshakeTimeout indicates neither the direct nor the indirect leg
	// completed in time.
	ErrHandshakeTimeout = errors.New("network: handshake timed out")
	// ErrTokenCollision indicates a freshly issued token matched one still
	// outstanding for the same peer.
	ErrTokenCollision = errors.New("network: token collision")
	// ErrNotLoggedIn indicates a server operation before a successful login.
	ErrNotLoggedIn = errors.New("network: not logged in")
	// ErrLoginRejected indicates the server refused the credentials.
	ErrLoginRejected = errors.New("network: login rejected")
	// ErrDuplicateTransfer indicates an active transfer already exists for
	// the same peer and remote path.
	ErrDuplicateTransfer = errors.New("network: transfer already active")
	// ErrTransferTerminal indicates a state change on a finished transfer.
	ErrTransferTerminal = errors.New("network: transfer already terminal")
	// ErrNotFileConnection indicates raw stream I/O on a messaging
	// connection.
	ErrNotFileConnection = errors.New("network: not a file-transfer connection")
)

// HandshakeError wraps a failed connection attempt with the peer, the
// connection kind, and which leg of the handshake failed.
type HandshakeError struct {
	Username string
	Kind     ConnKind
	Indirect bool
	Err      error
}

// Error returns a human-readable handshake error.
func (e *HandshakeError) Error() string {
	leg := "direct"
	if e.Indirect {
		leg = "indirect"
	}
	return fmt.Sprintf("network: %s %s connect to %q: %v", leg, e.Kind, e.Username, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error { return e.Err }

// Temporary reports whether another attempt might succeed: timeouts and a
// full pool pass, a refusal from the remote side does not.
func (e *HandshakeError) Temporary() bool {
	return errors.Is(e.Err, ErrHandshakeTimeout) || errors.Is(e.Err, ErrPoolExhausted)
}

// TransferError wraps a transfer failure with the peer, the remote path,
// and the remote-supplied reason when one exists.
type TransferError struct {
	Username string
	Path     string
	Reason   string
	Err      error
}

// Error returns a human-readable transfer error.
func (e *TransferError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("network: transfer %q from %q: %s", e.Path, e.Username, e.Reason)
	}
	return fmt.Sprintf("network: transfer %q from %q: %v", e.Path, e.Username, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransferError) Unwrap() error { return e.Err }

// Temporary reports whether re-queueing the transfer is worthwhile. A
// remote-supplied reason is a deliberate denial; stream breakage is not.
func (e *TransferError) Temporary() bool { return e.Reason == "" }
