package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/logging"
)

// Collection is the document-store collection holding session snapshots.
const Collection = "sessions"

// DefaultCapacity bounds the in-memory working set.
const DefaultCapacity = 100

// Manager implements core.SessionStore: it resolves sessions through an
// in-memory working set backed by a durable DocumentStore. All mutations of
// the working set happen under one mutex, which also serializes racing
// GetOrCreate calls for the same id: creation is an upsert keyed on the
// session id, not engine-side locking.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
	docs     core.DocumentStore
	capacity int
	logger   logging.Logger
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// Capacity bounds the in-memory working set; exceeding it evicts the
	// least-recently-updated sessions from memory only. Defaults to
	// DefaultCapacity.
	Capacity int

	// Logger receives store diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// NewManager constructs a session manager over the given document store.
func NewManager(docs core.DocumentStore, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{Capacity: DefaultCapacity, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Manager{
		sessions: map[string]*core.Session{},
		docs:     docs,
		capacity: opts.Capacity,
		logger:   opts.Logger,
	}
}

// GetOrCreate returns the live session for id: from the working set, else
// restored from the durable store, else constructed from defaults and durably
// inserted. Durable-store unreachability surfaces as ErrStorageUnavailable.
func (m *Manager) GetOrCreate(ctx context.Context, id string, defaults core.SessionDefaults) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	doc, err := m.docs.FindOne(ctx, Collection, id)
	switch {
	case err == nil:
		var snap core.Snapshot
		if uerr := json.Unmarshal(doc, &snap); uerr != nil {
			// A corrupt snapshot is unrecoverable; start the conversation
			// over rather than failing every turn on it.
			m.logger.Error("session.store.corrupt_snapshot", "session_id", id, "error", uerr.Error())
			return m.createLocked(ctx, id, defaults)
		}
		s := core.FromSnapshot(snap)
		m.admitLocked(s)
		m.logger.Debug("session.store.restored", "session_id", id)
		return s, nil
	case errors.Is(err, core.ErrNotFound):
		return m.createLocked(ctx, id, defaults)
	default:
		return nil, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
}

func (m *Manager) createLocked(ctx context.Context, id string, defaults core.SessionDefaults) (*core.Session, error) {
	s := core.NewSession(id, defaults)
	doc, err := json.Marshal(s.Snapshot())
	if err != nil {
		return nil, err
	}
	if err := m.docs.Upsert(ctx, Collection, id, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	m.admitLocked(s)
	m.logger.Info("session.store.created", "session_id", id)
	return s, nil
}

// Persist upserts the full session document durably.
func (m *Manager) Persist(ctx context.Context, s *core.Session) error {
	doc, err := json.Marshal(s.Snapshot())
	if err != nil {
		return err
	}
	if err := m.docs.Upsert(ctx, Collection, s.ID(), doc); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

// Forget drops a session from the in-memory working set. The durable copy
// remains retrievable on the next GetOrCreate.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// EvictIfOverCapacity trims the working set to its capacity, removing the
// least-recently-updated sessions from memory only.
func (m *Manager) EvictIfOverCapacity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
}

// Len reports the size of the in-memory working set.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) admitLocked(s *core.Session) {
	m.sessions[s.ID()] = s
	m.evictLocked()
}

func (m *Manager) evictLocked() {
	if len(m.sessions) <= m.capacity {
		return
	}
	type aged struct {
		id      string
		updated int64
	}
	all := make([]aged, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, aged{id: id, updated: s.LastUpdated().UnixNano()})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].updated < all[j].updated })
	for _, a := range all[:len(m.sessions)-m.capacity] {
		delete(m.sessions, a.id)
		m.logger.Debug("session.store.evicted", "session_id", a.id)
	}
}
