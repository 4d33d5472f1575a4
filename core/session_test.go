package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lenCounter() TokenCounter {
	return TokenCounterFunc(func(_ string, text string) int { return len(text) })
}

func TestSessionBindThreadOnce(t *testing.T) {
	s := NewSession("s1", SessionDefaults{Model: "gpt-4o"})
	require.NoError(t, s.BindThread("thread_abc"))
	assert.Equal(t, "thread_abc", s.ThreadID())

	// Rebinding the same id is a no-op.
	require.NoError(t, s.BindThread("thread_abc"))

	// A different id violates the assigned-at-most-once invariant.
	assert.Error(t, s.BindThread("thread_xyz"))
	assert.Equal(t, "thread_abc", s.ThreadID())
}

func TestSessionAppendUpdatesTimestamp(t *testing.T) {
	s := NewSession("s1", SessionDefaults{Model: "gpt-4o"})
	before := s.LastUpdated()
	time.Sleep(time.Millisecond)
	s.AppendUser("hello")
	assert.True(t, s.LastUpdated().After(before))
	require.Len(t, s.History(), 1)
	assert.Equal(t, "user", s.History()[0].Role)
}

func TestSessionHistoryTrim(t *testing.T) {
	s := NewSession("s1", SessionDefaults{Model: "gpt-3.5-turbo"})
	s.SetTokenCounter(lenCounter())

	// Each encoded message is well over 1000 "tokens" with a len counter, so
	// the 3000 budget keeps only the most recent few.
	big := make([]byte, 1500)
	for i := range big {
		big[i] = 'a'
	}
	for i := 0; i < 10; i++ {
		s.AppendUser(string(big))
	}
	assert.Less(t, len(s.History()), 10)
	assert.GreaterOrEqual(t, len(s.History()), 1)

	// The most recent message always survives, even when it alone exceeds the
	// budget.
	huge := make([]byte, 10000)
	for i := range huge {
		huge[i] = 'b'
	}
	s.AppendUser(string(huge))
	got := s.History()
	require.NotEmpty(t, got)
	assert.Equal(t, string(huge), got[len(got)-1].Content)
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	s := NewSession("s1", SessionDefaults{Model: "gpt-4o", User: "U123"})
	require.NoError(t, s.BindThread("thread_abc"))
	s.AppendUser("hi")
	s.AppendAssistant("hello")
	s.SetContext("timezone", "Asia/Seoul")

	snap := s.Snapshot()
	restored := FromSnapshot(snap)

	assert.Equal(t, "s1", restored.ID())
	assert.Equal(t, "thread_abc", restored.ThreadID())
	assert.Equal(t, "gpt-4o", restored.Model())
	assert.Equal(t, "U123", restored.User())
	assert.Equal(t, s.History(), restored.History())

	// Contextual state is ephemeral and must not survive the snapshot.
	_, ok := restored.Context("timezone")
	assert.False(t, ok)
}

func TestSessionContextBag(t *testing.T) {
	s := NewSession("s1", SessionDefaults{})
	s.SetContext("platform", "slack")
	v, ok := s.Context("platform")
	require.True(t, ok)
	assert.Equal(t, "slack", v)

	s.ResetContext()
	_, ok = s.Context("platform")
	assert.False(t, ok)
}
