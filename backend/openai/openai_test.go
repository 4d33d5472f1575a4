package openai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/backend"
	"github.com/chatwire/chatwire/core"
)

func TestBuildToolsSkipsNonFunctionKinds(t *testing.T) {
	tools := buildTools([]core.ToolDefinition{
		{Type: core.ToolKindFunction, Name: "get_weather", Description: "weather", Parameters: map[string]any{"type": "object"}},
		{Type: core.ToolKindCodeInterpreter},
	})

	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].Function.Name)
}

func TestBuildMessagesWalksTranscriptInOrder(t *testing.T) {
	entries := []backend.Entry{
		{Role: "user", Text: "weather in Oslo?"},
		{Role: "assistant", ToolCalls: []core.ToolCall{{ID: "c1", Name: "get_weather", Arguments: `{"city":"Oslo"}`}}},
		{Role: "tool", Results: []core.ToolResult{{CallID: "c1", Output: `{"forecast":"rain"}`}}},
		{Role: "assistant", Text: "It is raining."},
	}

	messages := buildMessages("You are concise.", entries)

	// system + user + assistant(tool calls) + tool result + assistant text
	require.Len(t, messages, 5)
	require.NotNil(t, messages[2].OfAssistant)
	require.Len(t, messages[2].OfAssistant.ToolCalls, 1)
	assert.Equal(t, "c1", messages[2].OfAssistant.ToolCalls[0].ID)
}

func TestAddUserMessageNotesAttachments(t *testing.T) {
	b := New()
	ctx := context.Background()

	threadID, err := b.CreateThread(ctx)
	require.NoError(t, err)
	require.NoError(t, b.AddUserMessage(ctx, threadID, "see attached", []core.Attachment{
		{FileID: "f1", Filename: "report.pdf"},
	}))

	entries, err := b.threads.Entries(threadID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Text, "report.pdf")
}

func TestOrderedCallsSortsByStreamIndex(t *testing.T) {
	s := &runStream{agg: map[int64]*aggCall{
		1: {id: "c2", name: "second", args: "{}"},
		0: {id: "c1", name: "first", args: "{}"},
	}}

	calls := s.orderedCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "c2", calls[1].ID)
}

func TestSubmitWithoutPendingRunFails(t *testing.T) {
	b := New()
	ctx := context.Background()
	threadID, err := b.CreateThread(ctx)
	require.NoError(t, err)

	_, err = b.SubmitToolOutputs(ctx, threadID, "run-unknown", nil)
	assert.Error(t, err)
}

func TestFetchArtifactUnsupported(t *testing.T) {
	b := New()

	_, err := b.FetchArtifact(context.Background(), "file-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
