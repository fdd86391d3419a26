package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/imcore/internal/model"
)

// UpsertUsers inserts or updates users in a single transaction. Empty fields
// never overwrite known values.
func (db *DB) UpsertUsers(users []model.User) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, u := range users {
		if _, err := tx.Exec(`
			INSERT INTO users (id, name, email, avatar, status, last_seen, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
				email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
				avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE users.avatar END,
				status = CASE WHEN excluded.status != '' THEN excluded.status ELSE users.status END,
				last_seen = MAX(users.last_seen, excluded.last_seen),
				updated_at = excluded.updated_at`,
			u.ID, u.Name, u.Email, u.Avatar, string(u.Status), millis(u.LastSeen), now); err != nil {
			return fmt.Errorf("upsert user %q: %w", u.ID, err)
		}
	}
	return tx.Commit()
}

// GetUser returns a user by id, or nil when unknown.
func (db *DB) GetUser(id string) (*model.User, error) {
	var (
		u        model.User
		st       string
		lastSeen int64
	)
	err := db.QueryRow(`SELECT id, name, email, avatar, status, last_seen FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Avatar, &st, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Status = model.Presence(st)
	u.LastSeen = fromMillis(lastSeen)
	return &u, nil
}

// ConversationCount returns the total number of conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}
