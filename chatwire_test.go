package chatwire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/blocks"
	"github.com/chatwire/chatwire/config"
	"github.com/chatwire/chatwire/core"
	"github.com/chatwire/chatwire/internal/testutil"
)

func scriptedBackend() *testutil.FakeBackend {
	return &testutil.FakeBackend{
		Streams: []core.RunStream{testutil.NewScriptedStream(
			core.RunStepStarted{RunID: "run-1"},
			core.MessageStarted{MessageID: "msg-1"},
			core.TextDelta{Delta: "Hello!\n"},
			core.MessageCompleted{MessageID: "msg-1", Text: "Hello!"},
			core.StreamEnded{Status: core.RunStatusCompleted},
		)},
	}
}

func TestHandleMessageRunsFullTurn(t *testing.T) {
	backend := scriptedBackend()
	transport := &testutil.FakeTransport{}

	app := New(backend, transport, func(o *Options) {
		o.Defaults = core.SessionDefaults{Model: "gpt-4o"}
		o.EngineConfig.FlushInterval = -1 // any newline boundary flushes
	})

	ref := core.ThreadRef{Channel: "C1", Thread: "171.001"}
	err := app.HandleMessage(context.Background(), "C1:171.001", ref, "hi")
	require.NoError(t, err)

	assert.Equal(t, 1, backend.ThreadsCreated)
	assert.Equal(t, []string{"hi"}, backend.AddedMessages)

	final := transport.LastCall("update")
	require.Len(t, final.Blocks, 1)
	assert.Equal(t, blocks.Paragraph{Text: "Hello!"}, final.Blocks[0])
}

func TestHandleMessageReusesSession(t *testing.T) {
	backend := scriptedBackend()
	backend.Streams = append(backend.Streams, testutil.NewScriptedStream(
		core.RunStepStarted{RunID: "run-2"},
		core.MessageStarted{MessageID: "msg-2"},
		core.MessageCompleted{MessageID: "msg-2", Text: "Again!"},
		core.StreamEnded{Status: core.RunStatusCompleted},
	))
	transport := &testutil.FakeTransport{}
	app := New(backend, transport)

	ref := core.ThreadRef{Channel: "C1", Thread: "171.001"}
	require.NoError(t, app.HandleMessage(context.Background(), "s1", ref, "first"))
	require.NoError(t, app.HandleMessage(context.Background(), "s1", ref, "second"))

	assert.Equal(t, 1, backend.ThreadsCreated, "second turn reuses the bound thread")
}

func TestFromConfigRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Provider = "cohere"

	_, err := FromConfig(cfg)
	assert.Error(t, err)
}

func TestFromConfigWiresDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Slack.BotToken = "xoxb-test"

	app, err := FromConfig(cfg)
	require.NoError(t, err)
	defer app.Close()

	assert.NotNil(t, app.Registry())
}
