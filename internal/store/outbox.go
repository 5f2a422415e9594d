package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/chirp/internal/model"
)

// PutOutbox inserts or replaces the retry bookkeeping for a message.
func (db *DB) PutOutbox(e *model.OutboxEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	created := e.CreatedAt
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, attempts, last_attempt_at, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			next_attempt_at = excluded.next_attempt_at`,
		e.LocalID, e.Attempts, e.LastAttemptAt, e.NextAttemptAt, created)
	return err
}

// GetOutbox returns the bookkeeping for a message, or nil if absent.
// Absence means the message was either confirmed or has exhausted its
// retries and awaits manual intervention.
func (db *DB) GetOutbox(localID string) (*model.OutboxEntry, error) {
	var e model.OutboxEntry
	err := db.QueryRow(`
		SELECT local_id, attempts, last_attempt_at, next_attempt_at, created_at
		FROM outbox WHERE local_id = ?`, localID).
		Scan(&e.LocalID, &e.Attempts, &e.LastAttemptAt, &e.NextAttemptAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteOutbox removes the retry bookkeeping for a message.
func (db *DB) DeleteOutbox(localID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// ResetOutboxBackoff makes every bookkeeping row immediately eligible at
// the given time. Attempt counts are kept.
func (db *DB) ResetOutboxBackoff(now int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(`UPDATE outbox SET next_attempt_at = ?`, now)
	return err
}

// DueOutbox returns the bookkeeping rows eligible for a send attempt at the
// given time, oldest first.
func (db *DB) DueOutbox(now int64) ([]model.OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, attempts, last_attempt_at, next_attempt_at, created_at
		FROM outbox
		WHERE next_attempt_at <= ?
		ORDER BY created_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		if err := rows.Scan(&e.LocalID, &e.Attempts, &e.LastAttemptAt, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
