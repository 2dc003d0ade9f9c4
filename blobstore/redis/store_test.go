package redis

import (
	"context"
	"testing"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStore_Integration requires a running Redis on localhost:6379.
// Skip if not available.
func TestStore_Integration(t *testing.T) {
	ctx := context.Background()
	opts := DefaultOptions()
	opts.Prefix = "vecmesh-test"

	s, err := Open(ctx, opts)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.Close()

	t.Cleanup(func() {
		names, _ := s.List(ctx, "")
		for _, n := range names {
			_ = s.Delete(ctx, n)
		}
	})

	require.NoError(t, s.Put(ctx, "shards/1", []byte("one")))
	require.NoError(t, s.Put(ctx, "shards/2", []byte("two")))

	data, err := s.Get(ctx, "shards/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), data)

	names, err := s.List(ctx, "shards/")
	require.NoError(t, err)
	assert.Equal(t, []string{"shards/1", "shards/2"}, names)

	require.NoError(t, s.Delete(ctx, "shards/1"))
	_, err = s.Get(ctx, "shards/1")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	ok, err := s.Exists(ctx, "shards/2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?\[c\]`, escapeGlob("a*b?[c]"))
}
