package store

import (
	"database/sql"
	"time"
)

// SetCheckpoint updates a sync bookkeeping value (e.g. the timestamp of the
// last completed catch-up sync).
func (db *DB) SetCheckpoint(key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a sync bookkeeping value, or "" if unset.
func (db *DB) GetCheckpoint(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
