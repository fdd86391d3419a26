package archive

import (
	"github.com/matheus3301/imcore/internal/model"
)

// SearchResult is a message matched by full-text search.
type SearchResult struct {
	Message model.Message `json:"message"`
	Snippet string        `json:"snippet"`
}

// SearchMessages performs a full-text search on message content.
func (db *DB) SearchMessages(query string, convID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.conversation_id, m.msg_id, m.client_id, m.sender_id, m.content,
		       m.message_type, m.status, m.error, m.reply_to, m.attachments, m.timestamp,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if convID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, convID)
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
		m, _, err := scanMessage(rows, &r.Snippet)
		if err != nil {
			return nil, err
		}
		r.Message = *m
		results = append(results, r)
	}
	return results, rows.Err()
}
