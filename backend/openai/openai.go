// Package openai implements core.Backend over the OpenAI Chat Completions
// API (streaming, with function calling). Threads are emulated locally: the
// transcript lives in a thread log and every run replays it as the completion
// message list, so the engine sees the same thread/run contract as against a
// natively thread-based backend.
package openai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/chatwire/chatwire/backend"
	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/logging"
)

// Options configure the OpenAI backend.
type Options struct {
	// SystemPrompt is prepended to every run's message list when non-empty.
	SystemPrompt string

	Temperature         float64
	MaxCompletionTokens int64

	// Logger receives backend diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Backend adapts streaming chat completions to the run-stream contract.
type Backend struct {
	client  *openai.Client
	threads *backend.ThreadLog
	runs    *backend.RunTable
	opts    Options

	// pending remembers the model and tool set of runs blocked on tool
	// outputs, so the continuation replays the original declaration.
	pendMu  sync.Mutex
	pending map[string]pendingRun
}

type pendingRun struct {
	model string
	tools []core.ToolDefinition
}

var _ core.Backend = (*Backend)(nil)

// New creates a backend using the default client (API key from environment).
func New(optFns ...func(o *Options)) *Backend {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a backend from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Backend {
	opts := Options{
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Backend{
		client:  client,
		threads: backend.NewThreadLog(),
		runs:    backend.NewRunTable(),
		opts:    opts,
		pending: map[string]pendingRun{},
	}
}

func (b *Backend) setPendingRun(runID, model string, tools []core.ToolDefinition) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	b.pending[runID] = pendingRun{model: model, tools: tools}
}

func (b *Backend) pendingRun(runID string) (pendingRun, bool) {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	pr, ok := b.pending[runID]
	if ok {
		delete(b.pending, runID)
	}
	return pr, ok
}

// CreateThread allocates a new local thread.
func (b *Backend) CreateThread(context.Context) (string, error) {
	return b.threads.Create(), nil
}

// AddUserMessage appends a user message to the thread transcript. Attachments
// are noted inline; chat completions have no file container to attach to.
func (b *Backend) AddUserMessage(_ context.Context, threadID, content string, attachments []core.Attachment) error {
	text := content
	for _, a := range attachments {
		text += "\n[file: " + a.Filename + "]"
	}
	return b.threads.Append(threadID, backend.Entry{Role: "user", Text: text})
}

// OpenRun starts a streaming completion over the thread transcript.
func (b *Backend) OpenRun(ctx context.Context, threadID, model string, tools []core.ToolDefinition) (core.RunStream, error) {
	return b.openStream(ctx, threadID, model, tools)
}

// SubmitToolOutputs records the batch of tool results in the transcript and
// opens the continuation stream. The model and tools of the original run are
// replayed from the run table entry recorded when the run blocked.
func (b *Backend) SubmitToolOutputs(ctx context.Context, threadID, runID string, results []core.ToolResult) (core.RunStream, error) {
	pr, ok := b.pendingRun(runID)
	if !ok {
		return nil, fmt.Errorf("run %s is not awaiting tool outputs", runID)
	}
	if err := b.threads.Append(threadID, backend.Entry{Role: "tool", Results: results}); err != nil {
		return nil, err
	}
	b.runs.Set(runID, core.RunStatusInProgress, nil)
	return b.openStream(ctx, threadID, pr.model, pr.tools)
}

// RunStatus reports the last observed state of a run.
func (b *Backend) RunStatus(_ context.Context, _, runID string) (core.RunStatus, []core.ToolCall, error) {
	status, calls := b.runs.Get(runID)
	return status, calls, nil
}

// FetchArtifact is unsupported: chat completions produce no binary artifacts.
func (b *Backend) FetchArtifact(context.Context, string) ([]byte, error) {
	return nil, core.ErrNotFound
}

func (b *Backend) openStream(ctx context.Context, threadID, model string, tools []core.ToolDefinition) (core.RunStream, error) {
	entries, err := b.threads.Entries(threadID)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(b.opts.SystemPrompt, entries),
		Model:               model,
		Temperature:         openai.Float(b.opts.Temperature),
		MaxCompletionTokens: openai.Int(b.opts.MaxCompletionTokens),
	}
	if converted := buildTools(tools); len(converted) > 0 {
		params.Tools = converted
	}

	sdk := b.client.Chat.Completions.NewStreaming(ctx, params)
	b.opts.Logger.Debug("backend.openai.run_opened", "thread_id", threadID, "model", model)
	return &runStream{
		backend:  b,
		threadID: threadID,
		model:    model,
		tools:    tools,
		sdk:      sdk,
		agg:      map[int64]*aggCall{},
	}, nil
}

// buildMessages converts the thread transcript into completion messages. The
// transcript already interleaves assistant tool-call entries and tool-result
// entries in submission order, so the conversion is a straight walk.
func buildMessages(systemPrompt string, entries []backend.Entry) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	for _, e := range entries {
		switch e.Role {
		case "user":
			messages = append(messages, openai.UserMessage(e.Text))
		case "assistant":
			if len(e.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(e.Text))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, len(e.ToolCalls))
			for i, c := range e.ToolCalls {
				toolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   c.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: c.Arguments,
					},
				}
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				},
			})
		case "tool":
			for _, r := range e.Results {
				messages = append(messages, openai.ToolMessage(r.Output, r.CallID))
			}
		}
	}
	return messages
}

// buildTools converts the backend-facing declarations, skipping non-function
// kinds the completions API cannot express.
func buildTools(tools []core.ToolDefinition) []openai.ChatCompletionToolParam {
	var out []openai.ChatCompletionToolParam
	for _, t := range tools {
		if t.Type != core.ToolKindFunction {
			continue
		}
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

// aggCall aggregates partial tool call deltas (id, name, arguments) until the
// finish reason arrives.
type aggCall struct {
	id, name, args string
	announced      bool
}

// runStream adapts the SDK's chunk stream into run events. Events are staged
// in a queue because one chunk can produce several of them.
type runStream struct {
	backend  *Backend
	threadID string
	model    string
	tools    []core.ToolDefinition

	sdk   *ssestream.Stream[openai.ChatCompletionChunk]
	runID string

	queue    []core.RunEvent
	cur      core.RunEvent
	text     strings.Builder
	agg      map[int64]*aggCall
	started  bool
	finished bool
	done     bool
	err      error
}

func (s *runStream) Next() bool {
	for len(s.queue) == 0 && !s.done {
		if !s.sdk.Next() {
			s.done = true
			if err := s.sdk.Err(); err != nil {
				s.err = err
				s.backend.runs.Set(s.runID, core.RunStatusFailed, nil)
				return false
			}
			// Stream closed without a finish reason; treat as a plain stop.
			s.finish("stop")
			break
		}
		s.ingest(s.sdk.Current())
	}
	if len(s.queue) == 0 {
		return false
	}
	s.cur = s.queue[0]
	s.queue = s.queue[1:]
	return true
}

func (s *runStream) Current() core.RunEvent { return s.cur }

func (s *runStream) Err() error { return s.err }

func (s *runStream) Close() error { return s.sdk.Close() }

func (s *runStream) ingest(chunk openai.ChatCompletionChunk) {
	if s.runID == "" && chunk.ID != "" {
		s.runID = chunk.ID
		s.backend.runs.Set(s.runID, core.RunStatusInProgress, nil)
		s.queue = append(s.queue, core.RunStepStarted{RunID: s.runID})
	}

	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			if !s.started {
				s.started = true
				s.queue = append(s.queue, core.MessageStarted{MessageID: chunk.ID})
			}
			s.text.WriteString(choice.Delta.Content)
			s.queue = append(s.queue, core.TextDelta{Delta: choice.Delta.Content, Snapshot: s.text.String()})
		}

		for _, tc := range choice.Delta.ToolCalls {
			ac, ok := s.agg[tc.Index]
			if !ok {
				ac = &aggCall{}
				s.agg[tc.Index] = ac
			}
			if tc.ID != "" {
				ac.id = tc.ID
			}
			if tc.Function.Name != "" {
				ac.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				ac.args += tc.Function.Arguments
			}
			if !ac.announced && ac.id != "" && ac.name != "" {
				ac.announced = true
				s.queue = append(s.queue, core.ToolCallStarted{
					CallID:       ac.id,
					Kind:         core.ToolKindFunction,
					FunctionName: ac.name,
				})
			}
		}

		if choice.FinishReason != "" {
			s.finish(choice.FinishReason)
		}
	}
}

// finish closes out the run: it records the assistant turn in the transcript
// and emits either a requires-action event or the terminal stream event.
func (s *runStream) finish(reason string) {
	if s.finished {
		return
	}
	s.finished = true

	finalText := s.text.String()
	calls := s.orderedCalls()

	if s.started {
		s.queue = append(s.queue, core.MessageCompleted{MessageID: s.runID, Text: finalText})
	}

	entry := backend.Entry{Role: "assistant", Text: finalText, ToolCalls: calls}
	if err := s.backend.threads.Append(s.threadID, entry); err != nil {
		s.backend.opts.Logger.Warn("backend.openai.transcript_append_failed",
			"thread_id", s.threadID, "error", err.Error())
	}

	if reason == "tool_calls" && len(calls) > 0 {
		for _, c := range calls {
			s.queue = append(s.queue, core.ToolCallCompleted{
				CallID:       c.ID,
				Kind:         core.ToolKindFunction,
				FunctionName: c.Name,
				Arguments:    c.Arguments,
			})
		}
		s.backend.runs.Set(s.runID, core.RunStatusRequiresAction, calls)
		s.backend.setPendingRun(s.runID, s.model, s.tools)
		s.queue = append(s.queue, core.RunRequiresAction{RunID: s.runID, PendingCalls: calls})
		return
	}

	s.backend.runs.Set(s.runID, core.RunStatusCompleted, nil)
	s.queue = append(s.queue, core.StreamEnded{RunID: s.runID, Status: core.RunStatusCompleted})
}

func (s *runStream) orderedCalls() []core.ToolCall {
	if len(s.agg) == 0 {
		return nil
	}
	indexes := make([]int64, 0, len(s.agg))
	for i := range s.agg {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })
	calls := make([]core.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		ac := s.agg[i]
		calls = append(calls, core.ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
	}
	return calls
}
