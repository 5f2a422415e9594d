// Package store is the local cache: an embedded SQLite mirror of the
// remote authoritative store plus the purely local outbox bookkeeping.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by operations that require an existing row.
// Plain lookups return (nil, nil) for absent rows instead.
var ErrNotFound = errors.New("store: not found")

// DB wraps a SQLite database connection for the app-owned chirp.db.
//
// Writes are serialized through an internal mutex: initial sync, realtime
// subscription callbacks and outbox confirmation all race to write the same
// entities, and SQLite allows only one writer at a time anyway.
type DB struct {
	*sql.DB
	mu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// OutboxCount returns the number of messages awaiting a send attempt.
func (db *DB) OutboxCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&count)
	return count, err
}
