package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/core"
)

func TestInMemoryStoreRoundTrip(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess", "img-1", []byte("png-bytes")))

	got, err := store.Get(ctx, "sess", "img-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), got)
}

func TestInMemoryStoreCopiesData(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	src := []byte("original")
	require.NoError(t, store.Save(ctx, "sess", "a", src))
	src[0] = 'X'

	got, err := store.Get(ctx, "sess", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := store.Get(ctx, "sess", "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestInMemoryStoreNotFound(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "sess", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	err = store.Delete(ctx, "sess", "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestInMemoryStoreListAndDelete(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess", "a", []byte("1")))
	require.NoError(t, store.Save(ctx, "sess", "b", []byte("2")))

	ids, err := store.List(ctx, "sess")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, store.Delete(ctx, "sess", "a"))
	ids, err = store.List(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	ids, err = store.List(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
