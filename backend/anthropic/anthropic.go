// Package anthropic implements core.Backend over the Anthropic Messages API.
// Threads are emulated locally, like the openai backend. Generation is
// non-streaming: each run performs one Messages call and replays the result
// as a short synthesized event sequence, which the engine consumes exactly
// like a live stream.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/chatwire/chatwire/backend"
	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/logging"
)

// Options configure the Anthropic backend.
type Options struct {
	// SystemPrompt is sent as the system block when non-empty.
	SystemPrompt string

	Temperature float64
	MaxTokens   int64
	APIKey      string

	// Logger receives backend diagnostics. Defaults to NoOp.
	Logger logging.Logger
}

// Backend adapts the Messages API to the run-stream contract.
type Backend struct {
	client  *anthropic.Client
	threads *backend.ThreadLog
	runs    *backend.RunTable
	opts    Options

	pendMu  sync.Mutex
	pending map[string]pendingRun
}

type pendingRun struct {
	model string
	tools []core.ToolDefinition
}

var _ core.Backend = (*Backend)(nil)

// New creates a backend using the official client. An empty APIKey falls back
// to the environment.
func New(optFns ...func(o *Options)) *Backend {
	opts := defaultOptions(optFns)
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return newBackend(&client, opts)
}

// NewFromClient creates a backend from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Backend {
	return newBackend(client, defaultOptions(optFns))
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Temperature: 0.7,
		MaxTokens:   4096,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return opts
}

func newBackend(client *anthropic.Client, opts Options) *Backend {
	return &Backend{
		client:  client,
		threads: backend.NewThreadLog(),
		runs:    backend.NewRunTable(),
		opts:    opts,
		pending: map[string]pendingRun{},
	}
}

// CreateThread allocates a new local thread.
func (b *Backend) CreateThread(context.Context) (string, error) {
	return b.threads.Create(), nil
}

// AddUserMessage appends a user message to the thread transcript.
func (b *Backend) AddUserMessage(_ context.Context, threadID, content string, attachments []core.Attachment) error {
	text := content
	for _, a := range attachments {
		text += "\n[file: " + a.Filename + "]"
	}
	return b.threads.Append(threadID, backend.Entry{Role: "user", Text: text})
}

// OpenRun executes one Messages call over the transcript and returns the
// synthesized event stream.
func (b *Backend) OpenRun(ctx context.Context, threadID, model string, tools []core.ToolDefinition) (core.RunStream, error) {
	return b.generate(ctx, threadID, model, tools)
}

// SubmitToolOutputs records the result batch and generates the continuation.
func (b *Backend) SubmitToolOutputs(ctx context.Context, threadID, runID string, results []core.ToolResult) (core.RunStream, error) {
	pr, ok := b.pendingRun(runID)
	if !ok {
		return nil, fmt.Errorf("run %s is not awaiting tool outputs", runID)
	}
	if err := b.threads.Append(threadID, backend.Entry{Role: "tool", Results: results}); err != nil {
		return nil, err
	}
	b.runs.Set(runID, core.RunStatusInProgress, nil)
	return b.generate(ctx, threadID, pr.model, pr.tools)
}

// RunStatus reports the last observed state of a run.
func (b *Backend) RunStatus(_ context.Context, _, runID string) (core.RunStatus, []core.ToolCall, error) {
	status, calls := b.runs.Get(runID)
	return status, calls, nil
}

// FetchArtifact is unsupported: the Messages API produces no binary artifacts.
func (b *Backend) FetchArtifact(context.Context, string) ([]byte, error) {
	return nil, core.ErrNotFound
}

func (b *Backend) generate(ctx context.Context, threadID, model string, tools []core.ToolDefinition) (core.RunStream, error) {
	entries, err := b.threads.Entries(threadID)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    buildMessages(entries),
		MaxTokens:   b.opts.MaxTokens,
		Temperature: anthropic.Float(b.opts.Temperature),
	}
	if b.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: b.opts.SystemPrompt}}
	}
	if converted := buildTools(tools); len(converted) > 0 {
		params.Tools = converted
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	runID := resp.ID
	b.opts.Logger.Debug("backend.anthropic.run_generated",
		"thread_id", threadID, "run_id", runID, "stop_reason", string(resp.StopReason))

	text, calls := splitContent(resp)
	if err := b.threads.Append(threadID, backend.Entry{Role: "assistant", Text: text, ToolCalls: calls}); err != nil {
		return nil, err
	}

	events := []core.RunEvent{core.RunStepStarted{RunID: runID}}
	if text != "" {
		events = append(events,
			core.MessageStarted{MessageID: runID},
			core.TextDelta{Delta: text, Snapshot: text},
			core.MessageCompleted{MessageID: runID, Text: text},
		)
	}

	if resp.StopReason == anthropic.StopReasonToolUse && len(calls) > 0 {
		for _, c := range calls {
			events = append(events,
				core.ToolCallStarted{CallID: c.ID, Kind: core.ToolKindFunction, FunctionName: c.Name},
				core.ToolCallCompleted{CallID: c.ID, Kind: core.ToolKindFunction, FunctionName: c.Name, Arguments: c.Arguments},
			)
		}
		b.runs.Set(runID, core.RunStatusRequiresAction, calls)
		b.setPendingRun(runID, model, tools)
		events = append(events, core.RunRequiresAction{RunID: runID, PendingCalls: calls})
	} else {
		b.runs.Set(runID, core.RunStatusCompleted, nil)
		events = append(events, core.StreamEnded{RunID: runID, Status: core.RunStatusCompleted})
	}

	return newEventStream(events), nil
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

// splitContent separates the response into its text and tool-use parts.
func splitContent(resp *anthropic.Message) (string, []core.ToolCall) {
	var text string
	var calls []core.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if encoded, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(encoded)
				}
			}
			calls = append(calls, core.ToolCall{ID: toolBlock.ID, Name: toolBlock.Name, Arguments: args})
		}
	}
	return text, calls
}

// buildMessages converts the thread transcript into Messages API turns. Tool
// results become user-role tool_result blocks, per the API's contract.
func buildMessages(entries []backend.Entry) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, e := range entries {
		switch e.Role {
		case "user":
			if e.Text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(e.Text)))
			}
		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if e.Text != "" {
				content = append(content, anthropic.NewTextBlock(e.Text))
			}
			for _, c := range e.ToolCalls {
				var input any
				if c.Arguments != "" {
					if err := json.Unmarshal([]byte(c.Arguments), &input); err != nil {
						input = c.Arguments
					}
				}
				content = append(content, anthropic.NewToolUseBlock(c.ID, input, c.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		case "tool":
			var content []anthropic.ContentBlockParamUnion
			for _, r := range e.Results {
				content = append(content, anthropic.NewToolResultBlock(r.CallID, r.Output, r.Error != ""))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewUserMessage(content...))
			}
		}
	}
	return messages
}

// buildTools converts the declarations into Anthropic tool schemas, skipping
// non-function kinds.
func buildTools(tools []core.ToolDefinition) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		if t.Type != core.ToolKindFunction {
			continue
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if t.Parameters != nil {
			if properties, ok := t.Parameters["properties"]; ok {
				schema.Properties = properties
			}
			if required, ok := t.Parameters["required"]; ok {
				switch req := required.(type) {
				case []string:
					schema.Required = req
				case []any:
					for _, r := range req {
						if s, ok := r.(string); ok {
							schema.Required = append(schema.Required, s)
						}
					}
				}
			}
		}
		out = append(out, anthropic.ToolUnionParamOfTool(schema, t.Name))
	}
	return out
}

// eventStream replays a synthesized event slice.
type eventStream struct {
	events []core.RunEvent
	pos    int
	closed bool
}

func newEventStream(events []core.RunEvent) *eventStream {
	return &eventStream{events: events}
}

func (s *eventStream) Next() bool {
	if s.closed || s.pos >= len(s.events) {
		return false
	}
	s.pos++
	return true
}

func (s *eventStream) Current() core.RunEvent { return s.events[s.pos-1] }

func (s *eventStream) Err() error { return nil }

func (s *eventStream) Close() error {
	s.closed = true
	return nil
}
