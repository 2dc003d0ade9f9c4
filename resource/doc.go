// Package resource bounds the background work a node takes on:
//
//   - Migrations: a semaphore on concurrent shard migrations.
//   - Transfer: a token bucket on migration transfer bytes per second.
//   - Replication: a semaphore on in-flight (shard, peer) replication flows.
//   - Staging: a byte budget for migration data held by a destination.
//
// A migration holds a slot for its whole run:
//
//	rc := resource.NewController(resource.Config{
//	    MaxMigrations:       2,
//	    TransferBytesPerSec: 32 << 20,
//	})
//
//	if err := rc.AcquireMigration(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseMigration()
//
// All methods are no-ops on a nil *Controller, so limits stay optional.
package resource
