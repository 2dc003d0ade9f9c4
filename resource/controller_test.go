package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Migrations(t *testing.T) {
	c := NewController(Config{MaxMigrations: 2})

	require.NoError(t, c.AcquireMigration(context.Background()))
	require.NoError(t, c.AcquireMigration(context.Background()))

	// Third blocks until timeout
	assert.False(t, c.TryAcquireMigration())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireMigration(ctx), context.DeadlineExceeded)

	c.ReleaseMigration()
	assert.True(t, c.TryAcquireMigration())
}

func TestController_DefaultsToOneMigration(t *testing.T) {
	c := NewController(Config{})
	assert.Equal(t, int64(1), c.Config().MaxMigrations)
	assert.Equal(t, int64(64), c.Config().MaxReplicationFlows)

	assert.True(t, c.TryAcquireMigration())
	assert.False(t, c.TryAcquireMigration())
}

func TestController_Flows(t *testing.T) {
	c := NewController(Config{MaxReplicationFlows: 1})

	require.NoError(t, c.AcquireFlow(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireFlow(ctx), context.DeadlineExceeded)

	c.ReleaseFlow()
	require.NoError(t, c.AcquireFlow(context.Background()))
}

func TestController_Transfer(t *testing.T) {
	c := NewController(Config{TransferBytesPerSec: 1000})

	// The first burst is free.
	require.NoError(t, c.AcquireTransfer(context.Background(), 1000))

	// Bucket is drained; a second full burst needs about a second.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, c.AcquireTransfer(ctx, 1000))

	assert.GreaterOrEqual(t, c.TransferredBytes(), int64(1000))
}

func TestController_TransferLargerThanBurst(t *testing.T) {
	c := NewController(Config{TransferBytesPerSec: 1 << 20})

	start := time.Now()
	require.NoError(t, c.AcquireTransfer(context.Background(), (1<<20)+1024))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestController_UnlimitedTransfer(t *testing.T) {
	c := NewController(Config{})
	require.NoError(t, c.AcquireTransfer(context.Background(), 1<<30))
	assert.Equal(t, int64(1<<30), c.TransferredBytes())
}

func TestController_Staging(t *testing.T) {
	c := NewController(Config{StagingLimitBytes: 100})

	require.NoError(t, c.ReserveStaging(60))
	assert.ErrorIs(t, c.ReserveStaging(50), ErrStagingLimitExceeded)
	assert.Equal(t, int64(60), c.StagingUsage())

	c.ReleaseStaging(60)
	require.NoError(t, c.ReserveStaging(100))
	assert.Equal(t, int64(100), c.StagingUsage())
}

func TestController_Nil(t *testing.T) {
	var c *Controller

	require.NoError(t, c.AcquireMigration(context.Background()))
	assert.True(t, c.TryAcquireMigration())
	c.ReleaseMigration()
	require.NoError(t, c.AcquireFlow(context.Background()))
	c.ReleaseFlow()
	require.NoError(t, c.AcquireTransfer(context.Background(), 10))
	require.NoError(t, c.ReserveStaging(10))
	c.ReleaseStaging(10)
	assert.Zero(t, c.StagingUsage())
	assert.Zero(t, c.TransferredBytes())
}
