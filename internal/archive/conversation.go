package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/imcore/internal/model"
)

// UpsertConversations inserts or updates conversation records in one
// transaction.
func (db *DB) UpsertConversations(list []model.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range list {
		preview := ""
		if c.LastMessage != nil {
			preview = truncate(c.LastMessage.Content, 100)
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, kind, project_id, name, participant_ids, unread_count,
				is_pinned, is_muted, is_archived, priority, last_activity, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				kind = excluded.kind,
				project_id = excluded.project_id,
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
				participant_ids = excluded.participant_ids,
				unread_count = excluded.unread_count,
				is_pinned = excluded.is_pinned,
				is_muted = excluded.is_muted,
				is_archived = excluded.is_archived,
				priority = excluded.priority,
				last_activity = MAX(conversations.last_activity, excluded.last_activity),
				last_message_preview = CASE WHEN excluded.last_activity >= conversations.last_activity
					THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
				updated_at = excluded.updated_at`,
			c.ID, string(c.Kind), c.ProjectID, c.Name, strings.Join(c.ParticipantIDs, ","), c.UnreadCount,
			c.Pinned, c.Muted, c.Archived, c.Priority, millis(c.LastActivity), preview, now); err != nil {
			return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Conversation is an archived conversation row.
type Conversation struct {
	model.Conversation
	Preview string `json:"preview"`
}

// ListConversations returns conversations sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, project_id, name, participant_ids, unread_count,
			is_pinned, is_muted, is_archived, priority, last_activity, last_message_preview
		FROM conversations
		ORDER BY last_activity DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation, or nil when it is not
// archived.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, kind, project_id, name, participant_ids, unread_count,
			is_pinned, is_muted, is_archived, priority, last_activity, last_message_preview
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var (
		c            Conversation
		kind, parts  string
		lastActivity int64
	)
	if err := s.Scan(&c.ID, &kind, &c.ProjectID, &c.Name, &parts, &c.UnreadCount,
		&c.Pinned, &c.Muted, &c.Archived, &c.Priority, &lastActivity, &c.Preview); err != nil {
		return nil, err
	}
	c.Kind = model.ConversationKind(kind)
	if parts != "" {
		c.ParticipantIDs = strings.Split(parts, ",")
	}
	c.LastActivity = fromMillis(lastActivity)
	return &c, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
