package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is an embedded SQLite database holding named documents.
// One DB is shared by every SQLiteBackend of the process.
type DB struct {
	db *sql.DB
}

// OpenDB opens (or creates) the document database at path.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			name       TEXT PRIMARY KEY,
			body       TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate documents: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Backend returns a backend for the document called name.
func (d *DB) Backend(name string) Backend {
	return &SQLiteBackend{db: d.db, name: name}
}

// SQLiteBackend stores one document as a row of the documents table.
type SQLiteBackend struct {
	db   *sql.DB
	name string
}

func (b *SQLiteBackend) Name() string { return "sqlite:" + b.name }

func (b *SQLiteBackend) Load() ([]byte, error) {
	var body string
	err := b.db.QueryRow(`SELECT body FROM documents WHERE name = ?`, b.name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

func (b *SQLiteBackend) Save(data []byte) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		b.name, string(data), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert document %s: %w", b.name, err)
	}
	return tx.Commit()
}
