package store

import (
	"sort"

	"github.com/matheus3301/chirp/internal/model"
)

// AddAck records one acknowledgement (delivered or read) for a message.
// Re-recording an existing ack is a no-op; the sets only grow.
func (db *DB) AddAck(messageID, userID, kind string, ackedAt int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.Exec(`
		INSERT INTO message_acks (message_id, user_id, kind, acked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, user_id, kind) DO NOTHING`,
		messageID, userID, kind, ackedAt)
	return err
}

// HasAck reports whether the given user's acknowledgement of the given kind
// is already recorded for the message identified by (chat, remote id).
func (db *DB) HasAck(chatID, remoteID, userID, kind string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*)
		FROM message_acks a
		JOIN messages m ON m.local_id = a.message_id
		WHERE m.chat_id = ? AND m.remote_id = ? AND a.user_id = ? AND a.kind = ?`,
		chatID, remoteID, userID, kind).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// loadAcks fills the message's acknowledgement sets from the ack table.
func (db *DB) loadAcks(m *model.Message) error {
	rows, err := db.Query(`
		SELECT user_id, kind FROM message_acks WHERE message_id = ?`, m.LocalID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	m.DeliveredTo = nil
	m.ReadBy = nil
	for rows.Next() {
		var userID, kind string
		if err := rows.Scan(&userID, &kind); err != nil {
			return err
		}
		switch kind {
		case model.AckDelivered:
			m.DeliveredTo = append(m.DeliveredTo, userID)
		case model.AckRead:
			m.ReadBy = append(m.ReadBy, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	sort.Strings(m.DeliveredTo)
	sort.Strings(m.ReadBy)
	return nil
}
