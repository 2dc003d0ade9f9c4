package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrStagingLimitExceeded is returned when a destination cannot hold more
// staged migration data.
var ErrStagingLimitExceeded = errors.New("resource: staging limit exceeded")

// Config holds resource limits. Zero values mean the defaults noted on
// each field.
type Config struct {
	// MaxMigrations is the maximum number of concurrent outgoing migrations.
	// If 0, defaults to 1.
	MaxMigrations int64

	// TransferBytesPerSec is the maximum migration transfer throughput.
	// If 0, unlimited.
	TransferBytesPerSec int64

	// MaxReplicationFlows is the maximum number of in-flight replication
	// flows. If 0, defaults to 64.
	MaxReplicationFlows int64

	// StagingLimitBytes caps migration data staged on a destination.
	// If 0, staging is tracked but not limited.
	StagingLimitBytes int64
}

// Controller enforces the limits of a Config.
type Controller struct {
	cfg Config

	migrations *semaphore.Weighted
	flows      *semaphore.Weighted

	transfer *rate.Limiter // nil if unlimited

	staging       *semaphore.Weighted // nil if unlimited
	stagingUsed   atomic.Int64
	transferBytes atomic.Int64
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxMigrations <= 0 {
		cfg.MaxMigrations = 1
	}
	if cfg.MaxReplicationFlows <= 0 {
		cfg.MaxReplicationFlows = 64
	}

	c := &Controller{
		cfg:        cfg,
		migrations: semaphore.NewWeighted(cfg.MaxMigrations),
		flows:      semaphore.NewWeighted(cfg.MaxReplicationFlows),
	}
	if cfg.TransferBytesPerSec > 0 {
		c.transfer = rate.NewLimiter(rate.Limit(cfg.TransferBytesPerSec), int(cfg.TransferBytesPerSec))
	}
	if cfg.StagingLimitBytes > 0 {
		c.staging = semaphore.NewWeighted(cfg.StagingLimitBytes)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	if c == nil {
		return Config{}
	}
	return c.cfg
}

// AcquireMigration reserves a migration slot, blocking until one is free
// or ctx is canceled.
func (c *Controller) AcquireMigration(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.migrations.Acquire(ctx, 1)
}

// TryAcquireMigration reserves a migration slot without blocking.
func (c *Controller) TryAcquireMigration() bool {
	if c == nil {
		return true
	}
	return c.migrations.TryAcquire(1)
}

// ReleaseMigration releases a migration slot.
func (c *Controller) ReleaseMigration() {
	if c == nil {
		return
	}
	c.migrations.Release(1)
}

// AcquireFlow reserves a replication flow slot.
func (c *Controller) AcquireFlow(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.flows.Acquire(ctx, 1)
}

// ReleaseFlow releases a replication flow slot.
func (c *Controller) ReleaseFlow() {
	if c == nil {
		return
	}
	c.flows.Release(1)
}

// AcquireTransfer waits until the transfer limit allows n bytes. Requests
// larger than the bucket are split into bucket-sized waits.
func (c *Controller) AcquireTransfer(ctx context.Context, n int) error {
	if c == nil || n <= 0 {
		return nil
	}
	c.transferBytes.Add(int64(n))
	if c.transfer == nil {
		return ctx.Err()
	}

	burst := c.transfer.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := c.transfer.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// TransferredBytes returns the total bytes passed through AcquireTransfer.
func (c *Controller) TransferredBytes() int64 {
	if c == nil {
		return 0
	}
	return c.transferBytes.Load()
}

// ReserveStaging reserves n bytes of staging space without blocking.
func (c *Controller) ReserveStaging(n int64) error {
	if c == nil || n <= 0 {
		return nil
	}
	if c.staging != nil && !c.staging.TryAcquire(n) {
		return ErrStagingLimitExceeded
	}
	c.stagingUsed.Add(n)
	return nil
}

// ReleaseStaging releases n bytes of staging space.
func (c *Controller) ReleaseStaging(n int64) {
	if c == nil || n <= 0 {
		return
	}
	if c.staging != nil {
		c.staging.Release(n)
	}
	c.stagingUsed.Add(-n)
}

// StagingUsage returns the staged bytes currently reserved.
func (c *Controller) StagingUsage() int64 {
	if c == nil {
		return 0
	}
	return c.stagingUsed.Load()
}
