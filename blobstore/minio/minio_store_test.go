package minio

import (
	"context"
	"testing"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMinioStore_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := "localhost:9000"
	bucket := "test-vecmesh"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	store := NewStore(client, bucket, "test-prefix/")

	require.NoError(t, store.Put(ctx, "shards/1", []byte("hello minio")))
	data, err := store.Get(ctx, "shards/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello minio"), data)

	ok, err := store.Exists(ctx, "shards/1")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := store.List(ctx, "shards/")
	require.NoError(t, err)
	assert.Contains(t, names, "shards/1")

	require.NoError(t, store.Delete(ctx, "shards/1"))
	_, err = store.Get(ctx, "shards/1")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
