package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// HistoryMessage is one entry of a session's conversation history, mirroring
// the chat message shape submitted to backends: a role plus content, with
// tool-call metadata on assistant and tool entries.
type HistoryMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CallID    string     `json:"tool_call_id,omitempty"`
}

// Session represents one logical conversation. It tracks the backend thread
// handle, the model selected for the conversation, a bounded message history
// and an ephemeral per-turn contextual state bag. It is safe for concurrent
// access, though concurrent turns on the same session are not a supported
// configuration (the hosting layer serializes turns per conversation).
type Session struct {
	id          string
	threadID    string
	model       string
	user        string
	history     []HistoryMessage
	lastUpdated time.Time

	// contextual state is set once per inbound event and read by tools during
	// that turn only; it is never persisted.
	ctxState map[string]string

	counter TokenCounter
	budget  int

	mu sync.RWMutex
}

// SessionDefaults seeds a newly created session.
type SessionDefaults struct {
	Model string
	User  string
}

// Per-model history token budgets. Models absent from the table use
// defaultTokenBudget.
var tokenBudgets = map[string]int{
	"gpt-3.5-turbo":        3000,
	"gpt-4-turbo":          7000,
	"gpt-4o":               7000,
	"gpt-4o-mini":          7000,
	"gpt-4-turbo-preview":  7000,
	"gpt-4-vision-preview": 7000,
}

const defaultTokenBudget = 3000

// NewSession creates a session with the given stable identifier.
func NewSession(id string, defaults SessionDefaults) *Session {
	return &Session{
		id:          id,
		model:       defaults.Model,
		user:        defaults.User,
		lastUpdated: time.Now().UTC(),
		ctxState:    map[string]string{},
		counter:     defaultCounter,
		budget:      budgetFor(defaults.Model),
	}
}

func budgetFor(model string) int {
	if b, ok := tokenBudgets[model]; ok {
		return b
	}
	return defaultTokenBudget
}

// ID returns the stable conversation identifier.
func (s *Session) ID() string { return s.id }

// Model returns the model identifier selected for this session.
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// User returns the opaque transport user identifier, if any.
func (s *Session) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// ThreadID returns the backend thread handle, empty until the first turn
// creates one.
func (s *Session) ThreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadID
}

// BindThread assigns the backend thread handle. The handle is assigned at most
// once for a session's lifetime; a second bind with a different id is an error.
func (s *Session) BindThread(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadID != "" && s.threadID != threadID {
		return fmt.Errorf("session %s already bound to thread %s", s.id, s.threadID)
	}
	s.threadID = threadID
	s.lastUpdated = time.Now().UTC()
	return nil
}

// LastUpdated returns the timestamp of the most recent mutation, used for
// eviction ordering.
func (s *Session) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// SetTokenCounter overrides the token counter used for history trimming.
// Mainly for tests; the default lazily loads the model's tiktoken encoding.
func (s *Session) SetTokenCounter(c TokenCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c != nil {
		s.counter = c
	}
}

// Append adds a message to the history and trims the oldest entries once the
// encoded token total exceeds the session model's budget. The most recent
// message is always retained.
func (s *Session) Append(m HistoryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	s.lastUpdated = time.Now().UTC()
	s.trimLocked()
}

// AppendUser is shorthand for appending a user-role message.
func (s *Session) AppendUser(content string) {
	s.Append(HistoryMessage{Role: "user", Content: content})
}

// AppendAssistant is shorthand for appending an assistant-role message.
func (s *Session) AppendAssistant(content string) {
	s.Append(HistoryMessage{Role: "assistant", Content: content})
}

func (s *Session) trimLocked() {
	total := 0
	for i := len(s.history) - 1; i >= 0; i-- {
		encoded, err := json.Marshal(s.history[i])
		if err != nil {
			continue
		}
		total += s.counter.Count(s.model, string(encoded))
		if total > s.budget && i < len(s.history)-1 {
			s.history = s.history[i+1:]
			return
		}
	}
}

// History returns a copy of the conversation history.
func (s *Session) History() []HistoryMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HistoryMessage, len(s.history))
	copy(out, s.history)
	return out
}

// SetContext stores an ephemeral contextual value for the current turn
// (date/time, timezone, platform, channel, display name). Contextual state is
// never persisted.
func (s *Session) SetContext(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxState[key] = value
}

// Context returns the contextual value for key, if set this turn.
func (s *Session) Context(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.ctxState[key]
	return v, ok
}

// ResetContext clears the contextual state bag at the start of a turn.
func (s *Session) ResetContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxState = map[string]string{}
}

// Snapshot is the durable JSON document form of a session. Contextual state is
// deliberately absent.
type Snapshot struct {
	SessionID   string           `json:"session_id"`
	ThreadID    string           `json:"thread_id,omitempty"`
	Model       string           `json:"model"`
	User        string           `json:"user,omitempty"`
	History     []HistoryMessage `json:"messages"`
	LastUpdated time.Time        `json:"last_updated"`
}

// Snapshot captures the persistable state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := make([]HistoryMessage, len(s.history))
	copy(history, s.history)
	return Snapshot{
		SessionID:   s.id,
		ThreadID:    s.threadID,
		Model:       s.model,
		User:        s.user,
		History:     history,
		LastUpdated: s.lastUpdated,
	}
}

// FromSnapshot restores a session from its durable document form.
func FromSnapshot(snap Snapshot) *Session {
	s := NewSession(snap.SessionID, SessionDefaults{Model: snap.Model, User: snap.User})
	s.threadID = snap.ThreadID
	s.history = snap.History
	if !snap.LastUpdated.IsZero() {
		s.lastUpdated = snap.LastUpdated
	}
	return s
}
