package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/imcore/internal/model"
)

const messageColumns = `id, conversation_id, msg_id, client_id, sender_id, content, message_type,
	status, error, reply_to, attachments, timestamp`

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m model.Message) error {
	now := time.Now().UnixMilli()
	atts := ""
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		atts = string(b)
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_id, sender_id, content, message_type,
			status, error, reply_to, attachments, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			client_id = CASE WHEN excluded.client_id != '' THEN excluded.client_id ELSE messages.client_id END,
			content = excluded.content,
			message_type = excluded.message_type,
			status = excluded.status,
			error = excluded.error,
			attachments = excluded.attachments,
			timestamp = excluded.timestamp`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.Content, string(m.Kind),
		string(m.Status), m.Error, m.ReplyTo, atts, millis(m.Timestamp), now)
	return err
}

// UpsertMessages writes a batch of messages in one transaction.
func (db *DB) UpsertMessages(msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		atts := ""
		if len(m.Attachments) > 0 {
			b, err := json.Marshal(m.Attachments)
			if err != nil {
				return fmt.Errorf("encode attachments: %w", err)
			}
			atts = string(b)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, client_id, sender_id, content, message_type,
				status, error, reply_to, attachments, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				content = excluded.content,
				status = excluded.status,
				attachments = excluded.attachments`,
			m.ConversationID, m.ID, m.ClientID, m.SenderID, m.Content, string(m.Kind),
			string(m.Status), m.Error, m.ReplyTo, atts, millis(m.Timestamp), now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}
	return tx.Commit()
}

// RekeyMessage moves a locally generated id to the server id. When a row
// with the server id already exists the local row is dropped instead.
func (db *DB) RekeyMessage(convID, oldID string, m model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?
			AND EXISTS (SELECT 1 FROM messages WHERE conversation_id = ? AND msg_id = ?)`,
		convID, oldID, convID, m.ID); err != nil {
		return fmt.Errorf("drop duplicate: %w", err)
	}
	if _, err := tx.Exec(`UPDATE messages SET msg_id = ? WHERE conversation_id = ? AND msg_id = ?`,
		m.ID, convID, oldID); err != nil {
		return fmt.Errorf("rekey: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return db.UpsertMessage(m)
}

// DeleteMessage removes one message.
func (db *DB) DeleteMessage(convID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, convID, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(convID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeTs := time.Now().UnixMilli() + 1
	if !before.IsZero() {
		beforeTs = before.UnixMilli()
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, _, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func scanMessage(s scanner, extra ...any) (*model.Message, int64, error) {
	var (
		m           model.Message
		rowID, ts   int64
		kind, st    string
		attachments string
	)
	dest := append([]any{&rowID, &m.ConversationID, &m.ID, &m.ClientID, &m.SenderID, &m.Content, &kind,
		&st, &m.Error, &m.ReplyTo, &attachments, &ts}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, 0, err
	}
	m.Kind = model.MessageKind(kind)
	m.Status = model.MessageStatus(st)
	m.Timestamp = fromMillis(ts)
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
			return nil, 0, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
	}
	return &m, rowID, nil
}
