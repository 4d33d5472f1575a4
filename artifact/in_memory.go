package artifact

import (
	"context"
	"sync"

	"github.com/chatwire/chatwire/core"
)

// InMemoryStore is an in-process ArtifactStore useful for tests, examples and
// single-process prototypes. It keeps all artifacts in a nested map guarded by
// an RWMutex. Data is copied on save and retrieval to avoid accidental
// external mutation of internal buffers.
//
// Layout: sessionID -> artifactID -> raw bytes
//
// It does not enforce retention limits, size quotas, or eviction. For
// production, prefer a durable implementation that survives process restarts.
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte
}

var _ core.ArtifactStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string][]byte)}
}

// Save stores (or overwrites) the artifact bytes for the given session and id.
// The input slice is copied before storage.
func (a *InMemoryStore) Save(_ context.Context, sessionID, artifactID string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.artifacts[sessionID]; !exists {
		a.artifacts[sessionID] = make(map[string][]byte)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	a.artifacts[sessionID][artifactID] = cp
	return nil
}

// Get returns a copy of the stored artifact bytes or core.ErrNotFound.
func (a *InMemoryStore) Get(_ context.Context, sessionID, artifactID string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.artifacts[sessionID]
	if !ok {
		return nil, core.ErrNotFound
	}
	data, ok := m[artifactID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns the artifact ids stored for the session. The slice is a
// snapshot and safe for caller mutation.
func (a *InMemoryStore) List(_ context.Context, sessionID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.artifacts[sessionID]
	if !ok {
		return []string{}, nil
	}
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes the artifact if present or returns core.ErrNotFound.
func (a *InMemoryStore) Delete(_ context.Context, sessionID, artifactID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.artifacts[sessionID]
	if !ok {
		return core.ErrNotFound
	}
	if _, ok := m[artifactID]; !ok {
		return core.ErrNotFound
	}
	delete(m, artifactID)
	return nil
}
