package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/chirp/internal/model"
)

// UpsertUser inserts or updates a user record.
func (db *DB) UpsertUser(u *model.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, online, last_seen_at, push_token, preferred_language, auto_translate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			online = excluded.online,
			last_seen_at = excluded.last_seen_at,
			push_token = excluded.push_token,
			preferred_language = excluded.preferred_language,
			auto_translate = excluded.auto_translate,
			updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, u.Online, u.LastSeenAt, u.PushToken, u.PreferredLanguage, u.AutoTranslate, now)
	return err
}

// GetUser returns a single user by id, or nil if absent.
func (db *DB) GetUser(id string) (*model.User, error) {
	var u model.User
	err := db.QueryRow(`
		SELECT id, display_name, online, last_seen_at, push_token, preferred_language, auto_translate
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.Online, &u.LastSeenAt, &u.PushToken, &u.PreferredLanguage, &u.AutoTranslate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserOnline updates only the ephemeral presence columns of a user,
// creating a placeholder row when the user has not been synced yet.
func (db *DB) SetUserOnline(id string, online bool, lastSeenAt int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO users (id, online, last_seen_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			online = excluded.online,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		id, online, lastSeenAt, now)
	return err
}
