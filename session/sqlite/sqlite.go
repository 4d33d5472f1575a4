// Package sqlite provides a core.DocumentStore backed by an embedded SQLite
// database, suitable for single-host deployments that need session snapshots
// to survive restarts without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatwire/chatwire/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (collection, id)
);
`

// Store is a document store over a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ core.DocumentStore = (*Store)(nil)

// New opens (and if needed creates) the database at path. Pass ":memory:"
// for an ephemeral store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// FindOne returns the document stored under (collection, id), or
// core.ErrNotFound.
func (s *Store) FindOne(ctx context.Context, collection, id string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return doc, nil
}

// Upsert inserts or replaces the document under (collection, id).
func (s *Store) Upsert(ctx context.Context, collection, id string, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (collection, id, doc, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		collection, id, doc, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// DeleteMany removes all listed ids from the collection. Missing ids are
// ignored.
func (s *Store) DeleteMany(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM documents WHERE collection = ? AND id IN (%s)", placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
