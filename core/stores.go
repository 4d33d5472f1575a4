package core

import (
	"context"

	"github.com/chatwire/chatwire/blocks"
)

// SessionStore resolves and persists sessions. Implementations keep an
// in-memory working set over a durable DocumentStore and must be safe under
// concurrent calls, including two GetOrCreate calls racing on the same id
// (creation is an upsert, not engine-side locking).
type SessionStore interface {
	// GetOrCreate returns the in-memory session for id, loading it from the
	// durable store or constructing it from defaults as needed. New sessions
	// are durably inserted before being returned.
	GetOrCreate(ctx context.Context, id string, defaults SessionDefaults) (*Session, error)

	// Persist upserts the full session document durably. Callers invoke it
	// immediately after the backend thread handle is first assigned and again
	// at end of turn.
	Persist(ctx context.Context, s *Session) error
}

// DocumentStore is the abstract durable key-value document backing for
// sessions: collections of JSON documents addressed by id. The concrete
// encoding is an implementation detail of the caller.
type DocumentStore interface {
	// FindOne returns the document stored under (collection, id) or
	// ErrNotFound.
	FindOne(ctx context.Context, collection, id string) ([]byte, error)

	// Upsert stores doc under (collection, id), replacing any previous value.
	Upsert(ctx context.Context, collection, id string, doc []byte) error

	// DeleteMany removes the documents with the given ids, ignoring absent ones.
	DeleteMany(ctx context.Context, collection string, ids []string) error

	// Close releases the underlying connection.
	Close() error
}

// ArtifactStore persists binary artifacts scoped by session identifier.
// Implementations must be safe for concurrent use.
type ArtifactStore interface {
	Save(ctx context.Context, sessionID, artifactID string, data []byte) error
	Get(ctx context.Context, sessionID, artifactID string) ([]byte, error)
	List(ctx context.Context, sessionID string) ([]string, error)
	Delete(ctx context.Context, sessionID, artifactID string) error
}

// ToolDefinition declares a tool to the backend run: either a registered
// function with its parameter schema, or a backend builtin (code_interpreter,
// file_search) identified by Type alone.
type ToolDefinition struct {
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Attachment references a backend-side file included with a user message.
type Attachment struct {
	FileID   string
	Filename string
}

// RunStream is a pull iterator over the events of one backend run, mirroring
// the SDK streaming idiom: Next advances and reports availability, Current
// returns the decoded event, Err surfaces a terminal stream error after Next
// returns false.
type RunStream interface {
	Next() bool
	Current() RunEvent
	Err() error
	Close() error
}

// Backend is the conversational run collaborator: thread-scoped persistent
// conversations that execute runs producing RunEvent streams.
type Backend interface {
	// CreateThread allocates a backend-side conversation container.
	CreateThread(ctx context.Context) (string, error)

	// AddUserMessage appends a user message (and optional attachments) to the
	// thread before a run is opened.
	AddUserMessage(ctx context.Context, threadID, content string, attachments []Attachment) error

	// OpenRun starts a run against the thread and returns its event stream.
	OpenRun(ctx context.Context, threadID, model string, tools []ToolDefinition) (RunStream, error)

	// SubmitToolOutputs submits one complete batch of tool results for a run
	// blocked on required action and returns the continuation stream.
	SubmitToolOutputs(ctx context.Context, threadID, runID string, results []ToolResult) (RunStream, error)

	// RunStatus polls the run state, returning any pending tool calls when the
	// status is RunStatusRequiresAction.
	RunStatus(ctx context.Context, threadID, runID string) (RunStatus, []ToolCall, error)

	// FetchArtifact retrieves the bytes of a generated artifact.
	FetchArtifact(ctx context.Context, artifactRef string) ([]byte, error)
}

// ThreadRef addresses the transport-side destination of a conversation: a
// channel plus an optional thread discriminator within it.
type ThreadRef struct {
	Channel string
	Thread  string
}

// MessageHandle is the transport's opaque address of a posted message, used to
// update or delete it later.
type MessageHandle struct {
	Channel string
	ID      string
}

// Zero reports whether the handle has not been assigned yet.
func (h MessageHandle) Zero() bool { return h.ID == "" }

// Transport is the chat platform adapter the engine flushes rendered content
// through. Implementations translate RenderedBlocks into the platform's native
// message format. All operations are discrete and rate limited by the
// platform; the engine bounds its call volume accordingly.
type Transport interface {
	// PostMessage creates a message from the rendered blocks and returns its
	// handle. fallback is the plain-text representation for surfaces that
	// cannot render blocks.
	PostMessage(ctx context.Context, ref ThreadRef, bs []blocks.Block, fallback string) (MessageHandle, error)

	// UpdateMessage replaces the content of a previously posted message.
	UpdateMessage(ctx context.Context, handle MessageHandle, bs []blocks.Block, fallback string) error

	// DeleteMessage removes a previously posted message.
	DeleteMessage(ctx context.Context, handle MessageHandle) error

	// UploadArtifact uploads a binary artifact into the thread and returns a
	// URL referencing it.
	UploadArtifact(ctx context.Context, ref ThreadRef, filename string, data []byte) (string, error)
}
