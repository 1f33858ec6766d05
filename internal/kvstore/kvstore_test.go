package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceFor(t *testing.T) {
	assert.Equal(t, "default", NamespaceFor(""))
	assert.Equal(t, "tenant:acme", NamespaceFor("acme"))
}

func TestMemorySetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	updated, err := s.Set(ctx, "default", "greeting", "hello")
	require.NoError(t, err)
	assert.False(t, updated, "first write is an insert")

	updated, err = s.Set(ctx, "default", "greeting", "hi")
	require.NoError(t, err)
	assert.True(t, updated, "second write is an update")

	value, found, err := s.Get(ctx, "default", "greeting")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hi", value)

	deleted, err := s.Delete(ctx, "default", "greeting")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err = s.Get(ctx, "default", "greeting")
	require.NoError(t, err)
	assert.False(t, found)

	deleted, err = s.Delete(ctx, "default", "greeting")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemoryNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Set(ctx, "tenant:acme", "plan", "pro")
	require.NoError(t, err)
	_, err = s.Set(ctx, "tenant:globex", "plan", "free")
	require.NoError(t, err)

	value, found, err := s.Get(ctx, "tenant:acme", "plan")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pro", value)

	_, found, err = s.Get(ctx, "default", "plan")
	require.NoError(t, err)
	assert.False(t, found, "namespaces do not leak")
}

func TestMemoryListWithPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, key := range []string{"job:1", "job:2", "user:alice"} {
		_, err := s.Set(ctx, "default", key, "x")
		require.NoError(t, err)
	}

	keys, err := s.List(ctx, "default", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:1", "job:2", "user:alice"}, keys, "sorted")

	keys, err = s.List(ctx, "default", "job:")
	require.NoError(t, err)
	assert.Equal(t, []string{"job:1", "job:2"}, keys)

	keys, err = s.List(ctx, "missing", "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryRejectsEmptyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Set(ctx, "default", "  ", "x")
	assert.Error(t, err)
	_, _, err = s.Get(ctx, "default", "")
	assert.Error(t, err)
	_, err = s.Delete(ctx, "default", "")
	assert.Error(t, err)
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Set(ctx, "default", "a", 1)
	require.NoError(t, err)
	_, err = s.Set(ctx, "tenant:acme", "b", 2)
	require.NoError(t, err)

	stats := s.Stats(ctx)
	assert.Equal(t, "memory", stats["backend"])
	assert.Equal(t, 2, stats["namespaces"])
	assert.Equal(t, 2, stats["keys"])
}
