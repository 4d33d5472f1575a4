// Package backend contains the shared plumbing for conversational backends
// that emulate persistent threads on top of stateless chat-completion APIs:
// a thread log holding the transcript each run is generated from, and a run
// table tracking run status for post-stream polling.
package backend

import (
	"sync"

	"github.com/chatwire/chatwire/core"
)

// Entry is one transcript item of a locally managed thread.
type Entry struct {
	// Role is "user", "assistant" or "tool".
	Role string

	// Text is the entry's message text.
	Text string

	// ToolCalls are the calls requested by an assistant entry.
	ToolCalls []core.ToolCall

	// Results are the outputs of a tool entry, keyed by call id.
	Results []core.ToolResult
}

// ThreadLog stores thread transcripts in memory. Backends that emulate
// threads locally rebuild the full model conversation from it on every run.
type ThreadLog struct {
	mu      sync.RWMutex
	threads map[string][]Entry
}

// NewThreadLog returns an empty thread log.
func NewThreadLog() *ThreadLog {
	return &ThreadLog{threads: map[string][]Entry{}}
}

// Create allocates a new empty thread and returns its id.
func (l *ThreadLog) Create() string {
	id := "thread_" + core.NewID()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threads[id] = []Entry{}
	return id
}

// Append adds an entry to the thread, or returns core.ErrNotFound for an
// unknown thread id.
func (l *ThreadLog) Append(threadID string, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, ok := l.threads[threadID]
	if !ok {
		return core.ErrNotFound
	}
	l.threads[threadID] = append(entries, e)
	return nil
}

// Entries returns a copy of the thread transcript.
func (l *ThreadLog) Entries(threadID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries, ok := l.threads[threadID]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// RunTable tracks the last observed status of each run, so a status poll
// after the stream closed can reconcile a raced requires-action signal.
type RunTable struct {
	mu   sync.RWMutex
	runs map[string]runState
}

type runState struct {
	status core.RunStatus
	calls  []core.ToolCall
}

// NewRunTable returns an empty run table.
func NewRunTable() *RunTable {
	return &RunTable{runs: map[string]runState{}}
}

// Set records the status of a run, with the pending calls when the status is
// requires-action.
func (t *RunTable) Set(runID string, status core.RunStatus, calls []core.ToolCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runID] = runState{status: status, calls: calls}
}

// Get returns the last recorded status of a run. An unknown run is reported
// as completed: these backends never persist run state, so after a restart
// the safest answer to a poll is a terminal one.
func (t *RunTable) Get(runID string) (core.RunStatus, []core.ToolCall) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.runs[runID]
	if !ok {
		return core.RunStatusCompleted, nil
	}
	return st.status, st.calls
}
