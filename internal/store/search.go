package store

import "github.com/matheus3301/chirp/internal/model"

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message model.Message
	Snippet string
}

// SearchMessages performs a full-text search on message bodies.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.local_id, m.remote_id, m.chat_id, m.sender_id, m.kind, m.body, m.state, m.sent_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.LocalID, &r.Message.RemoteID, &r.Message.ChatID,
			&r.Message.SenderID, &r.Message.Kind, &r.Message.Body,
			&r.Message.State, &r.Message.SentAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
