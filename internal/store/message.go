package store

import (
	"database/sql"
	"time"

	"github.com/matheus3301/chirp/internal/model"
)

// UpsertMessage inserts or updates a message row, idempotent on local id.
// A confirmed remote id and the 'sent' state are sticky: an upsert carrying
// an empty remote id never downgrades an already confirmed message.
// Acknowledgement sets are stored separately; see AddAck.
func (db *DB) UpsertMessage(m *model.Message) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (local_id, remote_id, chat_id, sender_id, kind, body, state, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			remote_id = CASE WHEN excluded.remote_id != '' THEN excluded.remote_id ELSE messages.remote_id END,
			state = CASE WHEN excluded.remote_id != '' OR messages.remote_id != '' THEN 'sent' ELSE excluded.state END,
			body = excluded.body`,
		m.LocalID, m.RemoteID, m.ChatID, m.SenderID, m.Kind, m.Body, m.State, m.SentAt, now)
	return err
}

// ConfirmMessage records the remote id assigned by the authoritative store
// and flips the message to the confirmed state. Returns ErrNotFound when no
// such message exists.
func (db *DB) ConfirmMessage(localID, remoteID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	res, err := db.Exec(`
		UPDATE messages SET remote_id = ?, state = 'sent'
		WHERE local_id = ?`, remoteID, localID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage returns a message by local id with its acknowledgement sets
// loaded, or nil if absent.
func (db *DB) GetMessage(localID string) (*model.Message, error) {
	return db.getMessage(`WHERE local_id = ?`, localID)
}

// GetMessageByRemoteID returns a message by (chat, remote id), or nil.
func (db *DB) GetMessageByRemoteID(chatID, remoteID string) (*model.Message, error) {
	if remoteID == "" {
		return nil, nil
	}
	return db.getMessage(`WHERE chat_id = ? AND remote_id = ?`, chatID, remoteID)
}

// FindEchoCandidate looks for a message from the same sender with the same
// body whose timestamp lies within tolerance of sentAt. Unconfirmed rows
// are preferred, then the closest timestamp. This is the last resort of the
// three-way de-duplication match; its fuzziness is intentional and must not
// be tightened without revisiting the echo handling.
func (db *DB) FindEchoCandidate(chatID, senderID, body string, sentAt, tolerance int64) (*model.Message, error) {
	return db.getMessage(`
		WHERE chat_id = ? AND sender_id = ? AND body = ?
			AND sent_at BETWEEN ? AND ?
		ORDER BY (remote_id = '') DESC, ABS(sent_at - ?) ASC
		LIMIT 1`,
		chatID, senderID, body, sentAt-tolerance, sentAt+tolerance, sentAt)
}

func (db *DB) getMessage(where string, args ...any) (*model.Message, error) {
	var m model.Message
	err := db.QueryRow(`
		SELECT local_id, remote_id, chat_id, sender_id, kind, body, state, sent_at
		FROM messages `+where, args...).
		Scan(&m.LocalID, &m.RemoteID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.State, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.loadAcks(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a chat using keyset pagination by
// timestamp, newest first, with acknowledgement sets loaded.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT local_id, remote_id, chat_id, sender_id, kind, body, state, sent_at
		FROM messages
		WHERE chat_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.LocalID, &m.RemoteID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.State, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range msgs {
		if err := db.loadAcks(&msgs[i]); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// PendingMessages returns all messages still awaiting remote confirmation,
// oldest first.
func (db *DB) PendingMessages() ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT local_id, remote_id, chat_id, sender_id, kind, body, state, sent_at
		FROM messages
		WHERE state = 'sending'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.LocalID, &m.RemoteID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.State, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UnreadMessages returns confirmed messages in a chat, sent by others, that
// the given user has not read-acked yet.
func (db *DB) UnreadMessages(chatID, userID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT local_id, remote_id, chat_id, sender_id, kind, body, state, sent_at
		FROM messages m
		WHERE chat_id = ? AND sender_id != ? AND remote_id != ''
			AND NOT EXISTS (
				SELECT 1 FROM message_acks a
				WHERE a.message_id = m.local_id AND a.user_id = ? AND a.kind = ?
			)
		ORDER BY sent_at ASC`, chatID, userID, userID, model.AckRead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.LocalID, &m.RemoteID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &m.State, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
