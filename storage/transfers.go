package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer inserts or updates one live transfer row.
func (s *Store) SaveTransfer(t TransferRecord) error {
	if t.ID == "" {
		return errors.New("id is required")
	}
	if err := validateDirection(t.Direction); err != nil {
		return err
	}
	if t.Username == "" {
		return errors.New("username is required")
	}
	if t.RemotePath == "" {
		return errors.New("remote_path is required")
	}
	if t.StartedAt == 0 {
		t.StartedAt = nowUnixMilli()
	}
	t.UpdatedAt = nowUnixMilli()

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			id,
			direction,
			username,
			remote_path,
			local_path,
			size,
			bytes_done,
			queue_position,
			status,
			error,
			started_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			size = excluded.size,
			bytes_done = excluded.bytes_done,
			queue_position = excluded.queue_position,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		t.ID,
		t.Direction,
		t.Username,
		t.RemotePath,
		t.LocalPath,
		t.Size,
		t.BytesDone,
		t.QueuePosition,
		t.Status,
		t.Error,
		t.StartedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", t.ID, err)
	}
	return nil
}

// GetTransfer fetches one live transfer row by ID.
func (s *Store) GetTransfer(id string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT
			id,
			direction,
			username,
			remote_path,
			local_path,
			size,
			bytes_done,
			queue_position,
			status,
			error,
			started_at,
			updated_at
		FROM transfers
		WHERE id = ?`,
		id,
	)

	t, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", id, err)
	}
	return t, nil
}

// LoadResumable returns downloads that were interrupted mid-flight: rows in
// a non-terminal status, ordered oldest first so re-queueing preserves the
// original order.
func (s *Store) LoadResumable() ([]TransferRecord, error) {
	rows, err := s.db.Query(
		`SELECT
			id,
			direction,
			username,
			remote_path,
			local_path,
			size,
			bytes_done,
			queue_position,
			status,
			error,
			started_at,
			updated_at
		FROM transfers
		WHERE direction = ?
		  AND status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY started_at ASC, id`,
		DirectionDownload,
	)
	if err != nil {
		return nil, fmt.Errorf("load resumable transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]TransferRecord, 0)
	for rows.Next() {
		t, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

// DeleteTransfer removes one live transfer row.
func (s *Store) DeleteTransfer(id string) error {
	if id == "" {
		return errors.New("id is required")
	}
	_, err := s.db.Exec(`DELETE FROM transfers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete transfer %q: %w", id, err)
	}
	return nil
}

// RecordHistory moves a finished transfer to the history table and drops
// its live row. Recording the same ID twice is a no-op, which makes the
// caller's exactly-once handoff safe against crashes between the two
// writes.
func (s *Store) RecordHistory(h HistoryRecord) error {
	if h.ID == "" {
		return errors.New("id is required")
	}
	if err := validateDirection(h.Direction); err != nil {
		return err
	}
	if h.EndedAt == 0 {
		h.EndedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO transfer_history (
			id,
			direction,
			username,
			remote_path,
			local_path,
			size,
			bytes_done,
			status,
			error,
			started_at,
			ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID,
		h.Direction,
		h.Username,
		h.RemotePath,
		h.LocalPath,
		h.Size,
		h.BytesDone,
		h.Status,
		h.Error,
		h.StartedAt,
		h.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer history %q: %w", h.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM transfers WHERE id = ?`, h.ID); err != nil {
		return fmt.Errorf("clear live transfer %q: %w", h.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history transaction: %w", err)
	}
	return nil
}

// ListHistory returns finished transfers, newest first, up to limit rows.
// A non-positive limit returns everything.
func (s *Store) ListHistory(limit int) ([]HistoryRecord, error) {
	query := `SELECT
		id,
		direction,
		username,
		remote_path,
		local_path,
		size,
		bytes_done,
		status,
		error,
		started_at,
		ended_at
	FROM transfer_history
	ORDER BY ended_at DESC, id`
	args := make([]any, 0, 1)
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfer history: %w", err)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		var h HistoryRecord
		if err := rows.Scan(
			&h.ID,
			&h.Direction,
			&h.Username,
			&h.RemotePath,
			&h.LocalPath,
			&h.Size,
			&h.BytesDone,
			&h.Status,
			&h.Error,
			&h.StartedAt,
			&h.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		records = append(records, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return records, nil
}

func scanTransfer(row scanner) (*TransferRecord, error) {
	var t TransferRecord
	if err := row.Scan(
		&t.ID,
		&t.Direction,
		&t.Username,
		&t.RemotePath,
		&t.LocalPath,
		&t.Size,
		&t.BytesDone,
		&t.QueuePosition,
		&t.Status,
		&t.Error,
		&t.StartedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}
