// Package testutil provides scripted fakes for the engine's collaborators:
// event streams, backends and transports whose behavior is declared up front
// so tests can drive the reconciliation loop deterministically.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatwire/chatwire/blocks"
	"github.com/chatwire/chatwire/core"
)

// ScriptedStream replays a fixed sequence of run events, optionally ending
// with a terminal error.
type ScriptedStream struct {
	events []core.RunEvent
	err    error
	pos    int
	closed bool
}

var _ core.RunStream = (*ScriptedStream)(nil)

// NewScriptedStream builds a stream that yields the given events in order.
func NewScriptedStream(events ...core.RunEvent) *ScriptedStream {
	return &ScriptedStream{events: events}
}

// FailWith makes the stream report err after its events are exhausted.
func (s *ScriptedStream) FailWith(err error) *ScriptedStream {
	s.err = err
	return s
}

func (s *ScriptedStream) Next() bool {
	if s.closed || s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *ScriptedStream) Current() core.RunEvent { return s.events[s.pos-1] }

func (s *ScriptedStream) Err() error { return s.err }

func (s *ScriptedStream) Close() error {
	s.closed = true
	return nil
}

// StatusResponse is one scripted answer to a RunStatus poll.
type StatusResponse struct {
	Status core.RunStatus
	Calls  []core.ToolCall
	Err    error
}

// FakeBackend serves scripted streams and records every call made against it.
type FakeBackend struct {
	mu sync.Mutex

	// Streams are consumed in order: the first by OpenRun, the rest by
	// successive SubmitToolOutputs calls.
	Streams []core.RunStream

	// StatusResponses are consumed in order by RunStatus calls.
	StatusResponses []StatusResponse

	// Artifacts maps artifact refs to their bytes for FetchArtifact.
	Artifacts map[string][]byte

	// CreateThreadErr, AddMessageErr and OpenRunErr inject failures.
	CreateThreadErr error
	AddMessageErr   error
	OpenRunErr      error
	SubmitErr       error

	// Recorded calls.
	ThreadsCreated   int
	AddedMessages    []string
	AddedAttachments [][]core.Attachment
	OpenedRuns       []string // threadIDs
	OpenedModels     []string
	OpenedTools      [][]core.ToolDefinition
	Submitted        [][]core.ToolResult
	SubmittedRuns    []string // runIDs
	StatusPolls      int
}

var _ core.Backend = (*FakeBackend)(nil)

func (b *FakeBackend) CreateThread(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CreateThreadErr != nil {
		return "", b.CreateThreadErr
	}
	b.ThreadsCreated++
	return fmt.Sprintf("thread-%d", b.ThreadsCreated), nil
}

func (b *FakeBackend) AddUserMessage(_ context.Context, _ string, content string, attachments []core.Attachment) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.AddMessageErr != nil {
		return b.AddMessageErr
	}
	b.AddedMessages = append(b.AddedMessages, content)
	b.AddedAttachments = append(b.AddedAttachments, attachments)
	return nil
}

func (b *FakeBackend) OpenRun(_ context.Context, threadID, model string, tools []core.ToolDefinition) (core.RunStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenRunErr != nil {
		return nil, b.OpenRunErr
	}
	b.OpenedRuns = append(b.OpenedRuns, threadID)
	b.OpenedModels = append(b.OpenedModels, model)
	b.OpenedTools = append(b.OpenedTools, tools)
	return b.nextStreamLocked()
}

func (b *FakeBackend) SubmitToolOutputs(_ context.Context, _ string, runID string, results []core.ToolResult) (core.RunStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SubmitErr != nil {
		return nil, b.SubmitErr
	}
	b.Submitted = append(b.Submitted, results)
	b.SubmittedRuns = append(b.SubmittedRuns, runID)
	return b.nextStreamLocked()
}

func (b *FakeBackend) RunStatus(context.Context, string, string) (core.RunStatus, []core.ToolCall, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StatusPolls++
	if len(b.StatusResponses) == 0 {
		return core.RunStatusCompleted, nil, nil
	}
	resp := b.StatusResponses[0]
	b.StatusResponses = b.StatusResponses[1:]
	return resp.Status, resp.Calls, resp.Err
}

func (b *FakeBackend) FetchArtifact(_ context.Context, ref string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.Artifacts[ref]
	if !ok {
		return nil, core.ErrNotFound
	}
	return data, nil
}

func (b *FakeBackend) nextStreamLocked() (core.RunStream, error) {
	if len(b.Streams) == 0 {
		return nil, fmt.Errorf("no scripted stream left")
	}
	s := b.Streams[0]
	b.Streams = b.Streams[1:]
	return s, nil
}

// TransportCall records one transport operation.
type TransportCall struct {
	Op       string // "post", "update", "delete", "upload"
	Handle   core.MessageHandle
	Blocks   []blocks.Block
	Fallback string
	Filename string
}

// FakeTransport records every operation and can inject a fixed number of
// failures per operation kind to exercise retry paths.
type FakeTransport struct {
	mu sync.Mutex

	Calls []TransportCall

	// FailPosts, FailUpdates and FailUploads make that many leading calls of
	// the kind fail before succeeding.
	FailPosts   int
	FailUpdates int
	FailUploads int

	nextID int
}

var _ core.Transport = (*FakeTransport)(nil)

func (tr *FakeTransport) PostMessage(_ context.Context, ref core.ThreadRef, bs []blocks.Block, fallback string) (core.MessageHandle, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.FailPosts > 0 {
		tr.FailPosts--
		return core.MessageHandle{}, fmt.Errorf("post rejected")
	}
	tr.nextID++
	h := core.MessageHandle{Channel: ref.Channel, ID: fmt.Sprintf("msg-%d", tr.nextID)}
	tr.Calls = append(tr.Calls, TransportCall{Op: "post", Handle: h, Blocks: bs, Fallback: fallback})
	return h, nil
}

func (tr *FakeTransport) UpdateMessage(_ context.Context, handle core.MessageHandle, bs []blocks.Block, fallback string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.FailUpdates > 0 {
		tr.FailUpdates--
		return fmt.Errorf("update rejected")
	}
	tr.Calls = append(tr.Calls, TransportCall{Op: "update", Handle: handle, Blocks: bs, Fallback: fallback})
	return nil
}

func (tr *FakeTransport) DeleteMessage(_ context.Context, handle core.MessageHandle) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.Calls = append(tr.Calls, TransportCall{Op: "delete", Handle: handle})
	return nil
}

func (tr *FakeTransport) UploadArtifact(_ context.Context, ref core.ThreadRef, filename string, data []byte) (string, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.FailUploads > 0 {
		tr.FailUploads--
		return "", fmt.Errorf("upload rejected")
	}
	tr.Calls = append(tr.Calls, TransportCall{Op: "upload", Fallback: string(data), Filename: filename})
	return "https://files.example/" + filename, nil
}

// CallsOf returns the recorded calls of one kind, in order.
func (tr *FakeTransport) CallsOf(op string) []TransportCall {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []TransportCall
	for _, c := range tr.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// LastCall returns the most recent call of one kind, or a zero TransportCall.
func (tr *FakeTransport) LastCall(op string) TransportCall {
	calls := tr.CallsOf(op)
	if len(calls) == 0 {
		return TransportCall{}
	}
	return calls[len(calls)-1]
}
