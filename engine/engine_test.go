package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/blocks"
	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/internal/testutil"
	"github.com/chatwire/chatwire/session"
	"github.com/chatwire/chatwire/tool"
)

type weatherTool struct {
	fail bool
}

func (weatherTool) Name() string        { return "get_weather" }
func (weatherTool) Description() string { return "Current weather for a city" }
func (weatherTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}}
}

func (w weatherTool) Call(_ *core.TurnContext, args map[string]any) (any, error) {
	if w.fail {
		return nil, errors.New("timeout")
	}
	return map[string]any{"city": args["city"], "forecast": "sunny"}, nil
}

type testEnv struct {
	backend   *testutil.FakeBackend
	transport *testutil.FakeTransport
	manager   *session.Manager
	engine    *Engine
	session   *core.Session
}

func newTestEnv(t *testing.T, backend *testutil.FakeBackend, registerTools func(*tool.Registry)) *testEnv {
	t.Helper()

	transport := &testutil.FakeTransport{}
	manager := session.NewManager(session.NewMemoryStore())
	registry := tool.NewRegistry(nil)
	if registerTools != nil {
		registerTools(registry)
	}

	eng := New(backend, transport, func(o *Options) {
		o.Sessions = manager
		o.Registry = registry
		o.FlushInterval = 0
		o.RetryBaseDelay = time.Millisecond
	})

	s, err := manager.GetOrCreate(context.Background(), "sess-1", core.SessionDefaults{Model: "gpt-4o", User: "u1"})
	require.NoError(t, err)

	return &testEnv{backend: backend, transport: transport, manager: manager, engine: eng, session: s}
}

func ref() core.ThreadRef { return core.ThreadRef{Channel: "C1", Thread: "171.001"} }

func TestRunTurnRejectsEmptyTurn(t *testing.T) {
	env := newTestEnv(t, &testutil.FakeBackend{}, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Ref: ref()})
	assert.ErrorIs(t, err, core.ErrEmptyTurn)
}

func TestRunTurnStreamsTextWithOneCoalescedFlush(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.RunStepStarted{RunID: "run-1"},
			core.MessageStarted{MessageID: "m1"},
			core.TextDelta{Delta: "Hi"},
			core.TextDelta{Delta: " there"},
			core.TextDelta{Delta: "!\n"},
			core.MessageCompleted{MessageID: "m1", Text: "Hi there!\n"},
			core.StreamEnded{RunID: "run-1", Status: core.RunStatusCompleted},
		)},
	}
	env := newTestEnv(t, backend, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "Hello", Ref: ref()})
	require.NoError(t, err)

	// One placeholder post, then exactly one partial flush at the newline
	// boundary and one final render with identical content.
	posts := env.transport.CallsOf("post")
	require.Len(t, posts, 1)
	updates := env.transport.CallsOf("update")
	require.Len(t, updates, 2)
	for _, u := range updates {
		require.Len(t, u.Blocks, 1)
		assert.Equal(t, blocks.Paragraph{Text: "Hi there!"}, u.Blocks[0])
	}

	// Thread got created, bound and the user message forwarded.
	assert.Equal(t, 1, backend.ThreadsCreated)
	assert.Equal(t, "thread-1", env.session.ThreadID())
	assert.Equal(t, []string{"Hello"}, backend.AddedMessages)

	// History carries both sides of the turn.
	hist := env.session.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "user", hist[0].Role)
	assert.Equal(t, "assistant", hist[1].Role)
	assert.Equal(t, "Hi there!\n", hist[1].Content)
}

func TestRunTurnSubLineDeltasNeverFlush(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.MessageStarted{MessageID: "m1"},
			core.TextDelta{Delta: "partial"},
			core.TextDelta{Delta: " words"},
			core.MessageCompleted{MessageID: "m1", Text: "partial words"},
			core.StreamEnded{Status: core.RunStatusCompleted},
		)},
	}
	env := newTestEnv(t, backend, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "go", Ref: ref()})
	require.NoError(t, err)

	updates := env.transport.CallsOf("update")
	require.Len(t, updates, 1)
	assert.Equal(t, blocks.Paragraph{Text: "partial words"}, updates[0].Blocks[0])
}

func TestRunTurnReusesBoundThread(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{
			testutil.NewScriptedStream(core.StreamEnded{Status: core.RunStatusCompleted}),
			testutil.NewScriptedStream(core.StreamEnded{Status: core.RunStatusCompleted}),
		},
	}
	env := newTestEnv(t, backend, nil)
	ctx := context.Background()

	require.NoError(t, env.engine.RunTurn(ctx, env.session, TurnRequest{Content: "one", Ref: ref()}))
	require.NoError(t, env.engine.RunTurn(ctx, env.session, TurnRequest{Content: "two", Ref: ref()}))

	assert.Equal(t, 1, backend.ThreadsCreated)
	assert.Equal(t, []string{"thread-1", "thread-1"}, backend.OpenedRuns)
}

func TestRunTurnFailsWhenThreadBindingCannotPersist(t *testing.T) {
	backend := &testutil.FakeBackend{}
	transport := &testutil.FakeTransport{}
	eng := New(backend, transport, func(o *Options) {
		o.Sessions = failingSessions{}
		o.RetryBaseDelay = time.Millisecond
	})
	s := core.NewSession("sess-1", core.SessionDefaults{Model: "gpt-4o"})

	err := eng.RunTurn(context.Background(), s, TurnRequest{Content: "hello", Ref: ref()})
	assert.ErrorIs(t, err, core.ErrStorageUnavailable)
	// No run may be opened against a thread that was never durably recorded.
	assert.Empty(t, backend.OpenedRuns)
}

func TestRunTurnToolCycle(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{
			testutil.NewScriptedStream(
				core.RunStepStarted{RunID: "run-1"},
				core.ToolCallStarted{CallID: "c1", Kind: core.ToolKindFunction, FunctionName: "get_weather"},
				core.RunRequiresAction{RunID: "run-1", PendingCalls: []core.ToolCall{
					{ID: "c1", Name: "get_weather", Arguments: `{"city":"Seoul"}`},
				}},
			),
			testutil.NewScriptedStream(
				core.MessageStarted{MessageID: "m1"},
				core.TextDelta{Delta: "Sunny in Seoul.\n"},
				core.MessageCompleted{MessageID: "m1", Text: "Sunny in Seoul.\n"},
				core.StreamEnded{RunID: "run-1", Status: core.RunStatusCompleted},
			),
		},
	}
	env := newTestEnv(t, backend, func(r *tool.Registry) {
		r.Register(weatherTool{}, tool.Meta{DisplayName: "Weather", Icon: ":sun:"})
	})

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "weather?", Ref: ref()})
	require.NoError(t, err)

	// The run was declared with the registered tool.
	require.Len(t, backend.OpenedTools, 1)
	require.Len(t, backend.OpenedTools[0], 1)
	assert.Equal(t, "get_weather", backend.OpenedTools[0][0].Name)

	// A status line announced the capability before invocation.
	posts := env.transport.CallsOf("post")
	require.NotEmpty(t, posts)
	assert.Equal(t, blocks.StatusLine{Icon: ":sun:", Text: "Using Weather"}, posts[0].Blocks[0])

	// One combined submission for the batch, keyed by call id.
	require.Len(t, backend.Submitted, 1)
	require.Len(t, backend.Submitted[0], 1)
	res := backend.Submitted[0][0]
	assert.Equal(t, "c1", res.CallID)
	assert.JSONEq(t, `{"city":"Seoul","forecast":"sunny"}`, res.Output)
	assert.Equal(t, []string{"run-1"}, backend.SubmittedRuns)
}

func TestRunTurnToolErrorDoesNotFailTurn(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{
			testutil.NewScriptedStream(
				core.RunStepStarted{RunID: "run-1"},
				core.RunRequiresAction{RunID: "run-1", PendingCalls: []core.ToolCall{
					{ID: "c1", Name: "get_weather", Arguments: `{}`},
				}},
			),
			testutil.NewScriptedStream(core.StreamEnded{RunID: "run-1", Status: core.RunStatusCompleted}),
		},
	}
	env := newTestEnv(t, backend, func(r *tool.Registry) {
		r.Register(weatherTool{fail: true}, tool.Meta{})
	})

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "weather?", Ref: ref()})
	require.NoError(t, err)

	require.Len(t, backend.Submitted, 1)
	res := backend.Submitted[0][0]
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "Error: timeout", res.Output)
}

func TestRunTurnUnknownToolSubmitsEmptyResult(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{
			testutil.NewScriptedStream(
				core.RunStepStarted{RunID: "run-1"},
				core.RunRequiresAction{RunID: "run-1", PendingCalls: []core.ToolCall{
					{ID: "c1", Name: "nonexistent_tool", Arguments: `{}`},
				}},
			),
			testutil.NewScriptedStream(core.StreamEnded{RunID: "run-1", Status: core.RunStatusCompleted}),
		},
	}
	env := newTestEnv(t, backend, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "go", Ref: ref()})
	require.NoError(t, err)

	require.Len(t, backend.Submitted, 1)
	assert.Equal(t, "{}", backend.Submitted[0][0].Output)
}

func TestRunTurnTooManyToolCycles(t *testing.T) {
	requiresAction := func() core.RunStream {
		return testutil.NewScriptedStream(
			core.RunStepStarted{RunID: "run-1"},
			core.RunRequiresAction{RunID: "run-1", PendingCalls: []core.ToolCall{
				{ID: "c1", Name: "get_weather", Arguments: `{}`},
			}},
		)
	}
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{requiresAction(), requiresAction(), requiresAction()},
	}
	transport := &testutil.FakeTransport{}
	manager := session.NewManager(session.NewMemoryStore())
	eng := New(backend, transport, func(o *Options) {
		o.Sessions = manager
		o.MaxToolCycles = 2
		o.RetryBaseDelay = time.Millisecond
	})
	s, err := manager.GetOrCreate(context.Background(), "sess-1", core.SessionDefaults{Model: "gpt-4o"})
	require.NoError(t, err)

	err = eng.RunTurn(context.Background(), s, TurnRequest{Content: "loop", Ref: ref()})
	assert.ErrorIs(t, err, core.ErrTooManyToolCycles)
	// Two cycles ran before the bound tripped.
	assert.Len(t, backend.Submitted, 2)

	last := transport.LastCall("post")
	require.Len(t, last.Blocks, 1)
	status, ok := last.Blocks[0].(blocks.StatusLine)
	require.True(t, ok)
	assert.Equal(t, ":warning:", status.Icon)
}

func TestRunTurnRacedRequiresAction(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{
			testutil.NewScriptedStream(
				core.RunStepStarted{RunID: "run-1"},
				core.StreamEnded{RunID: "run-1", Status: core.RunStatusRequiresAction},
			),
			testutil.NewScriptedStream(core.StreamEnded{RunID: "run-1", Status: core.RunStatusCompleted}),
		},
		StatusResponses: []testutil.StatusResponse{
			{Status: core.RunStatusRequiresAction, Calls: []core.ToolCall{
				{ID: "c1", Name: "get_weather", Arguments: `{"city":"Oslo"}`},
			}},
		},
	}
	env := newTestEnv(t, backend, func(r *tool.Registry) {
		r.Register(weatherTool{}, tool.Meta{})
	})

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "weather?", Ref: ref()})
	require.NoError(t, err)

	assert.Equal(t, 1, backend.StatusPolls)
	require.Len(t, backend.Submitted, 1)
	assert.Equal(t, "c1", backend.Submitted[0][0].CallID)
}

func TestRunTurnBackendFailureSurfacesReason(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.RunStepStarted{RunID: "run-1"},
			core.StreamEnded{RunID: "run-1", Status: core.RunStatusFailed, Reason: "rate limit exceeded"},
		)},
	}
	env := newTestEnv(t, backend, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "hi", Ref: ref()})

	var runErr *core.BackendRunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "rate limit exceeded", runErr.Reason)

	last := env.transport.LastCall("post")
	require.Len(t, last.Blocks, 1)
	status := last.Blocks[0].(blocks.StatusLine)
	assert.Contains(t, status.Text, "rate limit exceeded")
}

func TestRunTurnTransportRetriesThenFails(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.MessageStarted{MessageID: "m1"},
		)},
	}
	transport := &testutil.FakeTransport{FailPosts: 3}
	manager := session.NewManager(session.NewMemoryStore())
	eng := New(backend, transport, func(o *Options) {
		o.Sessions = manager
		o.RetryBaseDelay = time.Millisecond
	})
	s, err := manager.GetOrCreate(context.Background(), "sess-1", core.SessionDefaults{Model: "gpt-4o"})
	require.NoError(t, err)

	err = eng.RunTurn(context.Background(), s, TurnRequest{Content: "hi", Ref: ref()})

	var deliveryErr *core.TransportDeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, "post_message", deliveryErr.Op)
	assert.Equal(t, 3, deliveryErr.Attempts)
}

func TestRunTurnTransportRecoversWithinRetryBudget(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.MessageStarted{MessageID: "m1"},
			core.TextDelta{Delta: "ok\n"},
			core.MessageCompleted{MessageID: "m1", Text: "ok\n"},
			core.StreamEnded{Status: core.RunStatusCompleted},
		)},
	}
	transport := &testutil.FakeTransport{FailPosts: 2}
	manager := session.NewManager(session.NewMemoryStore())
	eng := New(backend, transport, func(o *Options) {
		o.Sessions = manager
		o.FlushInterval = 0
		o.RetryBaseDelay = time.Millisecond
	})
	s, err := manager.GetOrCreate(context.Background(), "sess-1", core.SessionDefaults{Model: "gpt-4o"})
	require.NoError(t, err)

	err = eng.RunTurn(context.Background(), s, TurnRequest{Content: "hi", Ref: ref()})
	require.NoError(t, err)
	assert.Len(t, transport.CallsOf("post"), 1)
}

func TestRunTurnMalformedDeltaSynthesizesStart(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.TextDelta{Delta: "orphan line\n"},
			core.MessageCompleted{Text: "orphan line\n"},
			core.StreamEnded{Status: core.RunStatusCompleted},
		)},
	}
	env := newTestEnv(t, backend, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "hi", Ref: ref()})
	require.NoError(t, err)

	// A placeholder was synthesized so the delta had a handle to target.
	require.Len(t, env.transport.CallsOf("post"), 1)
	updates := env.transport.CallsOf("update")
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, blocks.Paragraph{Text: "orphan line"}, last.Blocks[0])
}

func TestRunTurnImageArtifact(t *testing.T) {
	backend := &testutil.FakeBackend{
		Artifacts: map[string][]byte{"file-abc": []byte("png-bytes")},
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.ImageArtifactCompleted{ArtifactRef: "file-abc"},
			core.StreamEnded{Status: core.RunStatusCompleted},
		)},
	}
	env := newTestEnv(t, backend, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "draw", Ref: ref()})
	require.NoError(t, err)

	uploads := env.transport.CallsOf("upload")
	require.Len(t, uploads, 1)
	assert.Equal(t, "file-abc.png", uploads[0].Filename)

	posts := env.transport.CallsOf("post")
	require.Len(t, posts, 1)
	img, ok := posts[0].Blocks[0].(blocks.Image)
	require.True(t, ok)
	assert.Equal(t, "https://files.example/file-abc.png", img.URL)
}

func TestRunTurnCancellation(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.MessageStarted{MessageID: "m1"},
			core.TextDelta{Delta: "never flushed"},
		)},
	}
	env := newTestEnv(t, backend, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.engine.RunTurn(ctx, env.session, TurnRequest{Content: "hi", Ref: ref()})
	assert.ErrorIs(t, err, context.Canceled)

	// Best-effort interruption notice went out on a detached context.
	last := env.transport.LastCall("post")
	require.Len(t, last.Blocks, 1)
	status := last.Blocks[0].(blocks.StatusLine)
	assert.Equal(t, "Interrupted", status.Text)
}

func TestRunTurnAnnotationsResolvedOnFinalRenderOnly(t *testing.T) {
	backend := &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.MessageStarted{MessageID: "m1"},
			core.TextDelta{Delta: "See the report【1†src】 for details.\n"},
			core.MessageCompleted{
				MessageID: "m1",
				Text:      "See the report【1†src】 for details.\n",
				Annotations: []core.Annotation{
					{Marker: "【1†src】", Title: "Report", URL: "https://files.example/report.pdf"},
				},
			},
			core.StreamEnded{Status: core.RunStatusCompleted},
		)},
	}
	env := newTestEnv(t, backend, nil)

	err := env.engine.RunTurn(context.Background(), env.session, TurnRequest{Content: "hi", Ref: ref()})
	require.NoError(t, err)

	updates := env.transport.CallsOf("update")
	require.Len(t, updates, 2)
	// Partial flush keeps the raw marker; only the final render resolves it.
	partial := updates[0].Blocks[0].(blocks.Paragraph)
	assert.Contains(t, partial.Text, "【1†src】")
	final := updates[1].Blocks[0].(blocks.Paragraph)
	assert.NotContains(t, final.Text, "【1†src】")
	assert.Contains(t, final.Text, "[Report](https://files.example/report.pdf)")
}

func TestFailureTextKinds(t *testing.T) {
	assert.Equal(t, "Interrupted", failureText(context.Canceled))
	assert.Contains(t, failureText(core.ErrTooManyToolCycles), "Stopped")
	assert.Contains(t, failureText(&core.BackendRunError{Reason: "boom"}), "boom")
	assert.Contains(t, failureText(fmt.Errorf("other")), "went wrong")
}

type failingSessions struct{}

func (failingSessions) GetOrCreate(context.Context, string, core.SessionDefaults) (*core.Session, error) {
	return nil, core.ErrStorageUnavailable
}

func (failingSessions) Persist(context.Context, *core.Session) error {
	return fmt.Errorf("%w: connection refused", core.ErrStorageUnavailable)
}
