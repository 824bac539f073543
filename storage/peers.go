package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPeerAddress records a peer's last known endpoint.
func (s *Store) UpsertPeerAddress(addr PeerAddress) error {
	if addr.Username == "" {
		return errors.New("username is required")
	}
	if addr.IP == "" {
		return errors.New("ip is required")
	}
	if addr.SeenAt == 0 {
		addr.SeenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO peer_addresses (
			username,
			ip,
			port,
			seen_at
		) VALUES (?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			ip = excluded.ip,
			port = excluded.port,
			seen_at = excluded.seen_at`,
		addr.Username,
		addr.IP,
		addr.Port,
		addr.SeenAt,
	)
	if err != nil {
		return fmt.Errorf("upsert peer address %q: %w", addr.Username, err)
	}
	return nil
}

// GetPeerAddress fetches a peer's last known endpoint.
func (s *Store) GetPeerAddress(username string) (*PeerAddress, error) {
	if username == "" {
		return nil, errors.New("username is required")
	}

	row := s.db.QueryRow(
		`SELECT username, ip, port, seen_at
		FROM peer_addresses
		WHERE username = ?`,
		username,
	)

	var addr PeerAddress
	if err := row.Scan(&addr.Username, &addr.IP, &addr.Port, &addr.SeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer address %q: %w", username, err)
	}
	return &addr, nil
}

// PrunePeerAddresses drops endpoints not seen since the cutoff.
func (s *Store) PrunePeerAddresses(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM peer_addresses WHERE seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune peer addresses: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read pruned row count: %w", err)
	}
	return n, nil
}
