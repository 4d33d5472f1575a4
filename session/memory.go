package session

import (
	"context"
	"sync"

	"github.com/chatwire/chatwire/core"
)

// MemoryStore is an in-memory core.DocumentStore for tests and
// single-process deployments. Documents do not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

var _ core.DocumentStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string][]byte{}}
}

// FindOne returns the document stored under (collection, id), or
// core.ErrNotFound.
func (s *MemoryStore) FindOne(_ context.Context, collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

// Upsert inserts or replaces the document under (collection, id).
func (s *MemoryStore) Upsert(_ context.Context, collection, id string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		col = map[string][]byte{}
		s.collections[collection] = col
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	col[id] = stored
	return nil
}

// DeleteMany removes all listed ids from the collection. Missing ids are
// ignored.
func (s *MemoryStore) DeleteMany(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(col, id)
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
