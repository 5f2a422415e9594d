package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/matheus3301/chirp/internal/model"
)

// UpsertChat inserts or updates a chat record. Participants are managed
// separately via ReplaceParticipants. A nil LastMessage leaves any existing
// denormalized summary untouched.
func (db *DB) UpsertChat(c *model.Chat) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UnixMilli()

	if c.LastMessage == nil {
		_, err := db.Exec(`
			INSERT INTO chats (id, kind, name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				name = excluded.name,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at`,
			c.ID, c.Kind, c.Name, c.CreatedAt, now)
		return err
	}

	lm := c.LastMessage
	_, err := db.Exec(`
		INSERT INTO chats (id, kind, name, created_at, last_message_body, last_message_sender, last_message_kind, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			created_at = excluded.created_at,
			last_message_body = excluded.last_message_body,
			last_message_sender = excluded.last_message_sender,
			last_message_kind = excluded.last_message_kind,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, c.CreatedAt, lm.Body, lm.SenderID, lm.Kind, lm.SentAt, now)
	return err
}

// GetChat returns a single chat by id with its participants, or nil if absent.
func (db *DB) GetChat(id string) (*model.Chat, error) {
	var c model.Chat
	var body, sender, kind string
	var at int64
	err := db.QueryRow(`
		SELECT id, kind, name, created_at, last_message_body, last_message_sender, last_message_kind, last_message_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedAt, &body, &sender, &kind, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if at > 0 || body != "" {
		c.LastMessage = &model.LastMessage{Body: body, SenderID: sender, Kind: model.MessageKind(kind), SentAt: at}
	}

	rows, err := db.Query(`SELECT user_id, unread_count FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.UserID, &p.UnreadCount); err != nil {
			return nil, err
		}
		c.Participants = append(c.Participants, p)
	}
	return &c, rows.Err()
}

// ListChats returns chats sorted by last message timestamp descending.
// Participants are not loaded; use GetChat for the full record.
func (db *DB) ListChats(limit, offset int) ([]model.Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, name, created_at, last_message_body, last_message_sender, last_message_kind, last_message_at
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		var body, sender, kind string
		var at int64
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedAt, &body, &sender, &kind, &at); err != nil {
			return nil, err
		}
		if at > 0 || body != "" {
			c.LastMessage = &model.LastMessage{Body: body, SenderID: sender, Kind: model.MessageKind(kind), SentAt: at}
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ReplaceParticipants makes the chat's membership exactly userIDs. Unread
// counters of members that stay are preserved. User rows must exist first;
// the participant table has foreign keys on both sides.
func (db *DB) ReplaceParticipants(chatID string, userIDs []string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if len(userIDs) == 0 {
		if _, err := tx.Exec(`DELETE FROM chat_participants WHERE chat_id = ?`, chatID); err != nil {
			return err
		}
		return tx.Commit()
	}

	args := make([]any, 0, len(userIDs)+1)
	args = append(args, chatID)
	for _, id := range userIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	if _, err := tx.Exec(`DELETE FROM chat_participants WHERE chat_id = ? AND user_id NOT IN (`+placeholders+`)`, args...); err != nil {
		return err
	}

	for _, id := range userIDs {
		if _, err := tx.Exec(`
			INSERT INTO chat_participants (chat_id, user_id, unread_count)
			VALUES (?, ?, 0)
			ON CONFLICT(chat_id, user_id) DO NOTHING`, chatID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetLastMessage refreshes the chat's denormalized summary if the given
// message is at least as new as the current one.
func (db *DB) SetLastMessage(chatID string, lm *model.LastMessage) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET
			last_message_body = ?,
			last_message_sender = ?,
			last_message_kind = ?,
			last_message_at = ?,
			updated_at = ?
		WHERE id = ? AND last_message_at <= ?`,
		lm.Body, lm.SenderID, lm.Kind, lm.SentAt, now, chatID, lm.SentAt)
	return err
}

// IncrementUnread bumps the unread counter of one participant.
func (db *DB) IncrementUnread(chatID, userID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(`
		UPDATE chat_participants SET unread_count = unread_count + 1
		WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}

// ResetUnread zeroes the unread counter of one participant.
func (db *DB) ResetUnread(chatID, userID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(`
		UPDATE chat_participants SET unread_count = 0
		WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	return err
}
