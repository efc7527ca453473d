// Package store persists the JSON documents consumers save through the
// daemon (the GUI config and the module profiles) in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known document names.
const (
	DocConfig   = "config"
	DocProfiles = "profiles"
)

// historyLimit is how many replaced bodies are kept per document.
const historyLimit = 20

// Document is a stored body and when it was last written.
type Document struct {
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store represents the SQLite document store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Get returns the body of the named document. A document that was never
// saved reads as the empty string.
func (s *Store) Get(ctx context.Context, name string) (string, error) {
	doc, err := s.Document(ctx, name)
	if err != nil {
		return "", err
	}
	return doc.Body, nil
}

// Document returns the named document with its timestamp. A missing
// document is returned with an empty body and zero time.
func (s *Store) Document(ctx context.Context, name string) (Document, error) {
	doc := Document{Name: name}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT body, updated_at FROM documents WHERE name = ?", name,
	).Scan(&doc.Body, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("get document %s: %w", name, err)
	}
	doc.UpdatedAt = time.Unix(0, updated)
	return doc, nil
}

// Put replaces the named document. The previous body, if any, is moved to
// the history table, which keeps at most historyLimit entries per name.
func (s *Store) Put(ctx context.Context, name, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_history (name, body, replaced_at)
		SELECT name, body, ? FROM documents WHERE name = ?`,
		now, name,
	); err != nil {
		return fmt.Errorf("archive document %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		name, body, now,
	); err != nil {
		return fmt.Errorf("put document %s: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM document_history WHERE name = ? AND id NOT IN (
			SELECT id FROM document_history WHERE name = ? ORDER BY id DESC LIMIT ?
		)`,
		name, name, historyLimit,
	); err != nil {
		return fmt.Errorf("trim history %s: %w", name, err)
	}

	return tx.Commit()
}

// History returns previous bodies of the named document, newest first.
func (s *Store) History(ctx context.Context, name string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = historyLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT body, replaced_at FROM document_history
		WHERE name = ? ORDER BY id DESC LIMIT ?`,
		name, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", name, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d := Document{Name: name}
		var ts int64
		if err := rows.Scan(&d.Body, &ts); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		d.UpdatedAt = time.Unix(0, ts)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Names lists every stored document name.
func (s *Store) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM documents ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
