// Package archive mirrors the conversations and messages the store has seen
// into a local SQLite database for offline search. The store never reads it
// back.
package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoFTS is returned by Open when the sqlite3 driver was built without
// FTS5. Build with -tags sqlite_fts5.
var ErrNoFTS = errors.New("sqlite3 built without FTS5 (build with -tags sqlite_fts5)")

// DB is the session's archive.db.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the archive at path. WAL lets imctl searches read
// while the mirror writes.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if err := requireFTS5(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

func requireFTS5(db *sql.DB) error {
	rows, err := db.Query("PRAGMA compile_options")
	if err != nil {
		return fmt.Errorf("read compile options: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var opt string
		if err := rows.Scan(&opt); err != nil {
			return err
		}
		if strings.EqualFold(opt, "ENABLE_FTS5") {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return ErrNoFTS
}
