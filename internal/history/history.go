// Package history persists a record of delivered generations. Entries are
// written once per successful result delivery; in-flight request state stays
// in memory and is not persisted here.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS generation_history (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id        TEXT NOT NULL,
    prompt         TEXT NOT NULL,
    filename       TEXT NOT NULL,
    resolution     TEXT NOT NULL,
    loras          TEXT,
    upscale_factor INTEGER NOT NULL,
    created_at     DATETIME NOT NULL
)`

// Entry is one delivered generation.
type Entry struct {
	ID            int64     `json:"id"`
	UserID        string    `json:"user_id"`
	Prompt        string    `json:"prompt"`
	Filename      string    `json:"filename"`
	Resolution    string    `json:"resolution"`
	Loras         []string  `json:"loras,omitempty"`
	UpscaleFactor int       `json:"upscale_factor"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store records generation history in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite is single-writer; a second pooled connection would also get a
	// fresh database when dbPath is ":memory:".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createHistoryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts one history entry. The loras list is stored JSON-encoded.
func (s *Store) Add(ctx context.Context, e *Entry) error {
	loras, err := json.Marshal(e.Loras)
	if err != nil {
		return fmt.Errorf("marshal loras: %w", err)
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_history (
			user_id, prompt, filename, resolution, loras, upscale_factor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Prompt, e.Filename, e.Resolution, string(loras), e.UpscaleFactor, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListByUser returns the most recent entries for a user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, prompt, filename, resolution, loras, upscale_factor, created_at
		FROM generation_history WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var loras sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.Prompt, &e.Filename,
			&e.Resolution, &loras, &e.UpscaleFactor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		if loras.Valid && loras.String != "" {
			if err := json.Unmarshal([]byte(loras.String), &e.Loras); err != nil {
				return nil, fmt.Errorf("decode loras for entry %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}
