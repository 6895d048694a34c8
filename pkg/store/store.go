// ABOUTME: SQLite-backed document state store
// ABOUTME: Owns the schema, per-document locking and lifecycle

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested document doesn't exist.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned when a fingerprint is already registered
	// to a live document.
	ErrDuplicate = errors.New("duplicate fingerprint")
	// ErrConflict is returned when an optimistic state transition loses
	// against a concurrent writer. The losing writer retries.
	ErrConflict = errors.New("state transition conflict")
)

// Store is the durable record of every known document. All writes for
// one document ID are serialized through a per-ID mutex; state
// transitions additionally use optimistic checks so two retries can
// never both commit conflicting states.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens or creates the state store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	// WAL for concurrent readers; SQLite still wants a single writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the shared handle so sibling stores (the index node
// arena) can participate in the same database and transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithLock runs fn while holding the write lock for one document ID.
func (s *Store) WithLock(id string, fn func() error) error {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id                TEXT PRIMARY KEY,
			fingerprint       TEXT UNIQUE NOT NULL,
			source_path       TEXT NOT NULL,
			original_filename TEXT NOT NULL,
			state             TEXT NOT NULL DEFAULT 'pending',
			doc_type          TEXT,
			confidence        REAL,
			tags              TEXT,
			entities          TEXT,
			pages             INTEGER NOT NULL DEFAULT 0,
			stage_outputs     TEXT NOT NULL DEFAULT '{}',
			attempts          INTEGER NOT NULL DEFAULT 0,
			received_at       DATETIME NOT NULL,
			indexed_at        DATETIME,
			updated_at        DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_state ON documents(state)`,

		`CREATE TABLE IF NOT EXISTS document_errors (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id     TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			stage      TEXT NOT NULL,
			kind       TEXT NOT NULL,
			message    TEXT NOT NULL,
			attempt    INTEGER NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_document_errors_doc ON document_errors(doc_id)`,

		`CREATE TABLE IF NOT EXISTS index_nodes (
			doc_id     TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			node_id    TEXT NOT NULL,
			parent_id  TEXT,
			title      TEXT NOT NULL,
			summary    TEXT NOT NULL DEFAULT '',
			start_line INTEGER NOT NULL,
			end_line   INTEGER NOT NULL,
			depth      INTEGER NOT NULL,
			position   INTEGER NOT NULL,
			PRIMARY KEY (doc_id, node_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_index_nodes_parent ON index_nodes(doc_id, parent_id, position)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id     TEXT NOT NULL,
			action     TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,

		// Standalone FTS table, kept in sync by the store's writers.
		`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			doc_id UNINDEXED,
			filename,
			doc_type,
			tags,
			entities,
			tokenize='unicode61 remove_diacritics 1'
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Audit appends an operator-action record. Audit rows survive document
// discard so no admitted file ever disappears without trace.
func (s *Store) Audit(ctx context.Context, docID, action, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (doc_id, action, detail, created_at) VALUES (?, ?, ?, datetime('now'))`,
		docID, action, detail)
	return err
}
