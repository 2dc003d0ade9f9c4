package shard

import (
	"errors"

	"github.com/hupe1980/vecmesh/transport"
)

var (
	// ErrMigrationTimeout is returned when a migration does not commit in time.
	ErrMigrationTimeout = errors.New("shard: migration timed out")
	// ErrMigrationVerificationFailed is returned when the destination's
	// staged state does not cover the source's.
	ErrMigrationVerificationFailed = errors.New("shard: migration verification failed")
	// ErrMigrationOutcomeUnknown is returned when the ownership swap of a
	// migration failed ambiguously and the map store could not be read
	// back in time. The source keeps its replica but accepts no writes
	// until a map refresh settles ownership.
	ErrMigrationOutcomeUnknown = errors.New("shard: migration outcome unknown")
	// ErrMigrationInProgress is returned when a shard already has an active migration.
	ErrMigrationInProgress = errors.New("shard: migration in progress")
	// ErrNotOwner is returned when a write reaches a node that does not own the range.
	ErrNotOwner = errors.New("shard: not owner")
	// ErrUnknownShard is returned for a shard id absent from the map.
	ErrUnknownShard = errors.New("shard: unknown shard")
	// ErrVersionConflict is returned by a MapStore when the expected version is stale.
	ErrVersionConflict = errors.New("shard: map version conflict")
	// ErrInvalidMap is returned when a map violates its invariants.
	ErrInvalidMap = errors.New("shard: invalid map")
	// ErrNoMap is returned by a MapStore that holds no map yet.
	ErrNoMap = errors.New("shard: no map")
	// ErrNoStaging is returned for a migration id with no staging area.
	ErrNoStaging = errors.New("shard: no staging area")
	// ErrVectorNotFound is returned when a vector id is not live on a replica.
	ErrVectorNotFound = errors.New("shard: vector not found")
)

func init() {
	transport.RegisterError("migration_timeout", ErrMigrationTimeout)
	transport.RegisterError("migration_verification_failed", ErrMigrationVerificationFailed)
	transport.RegisterError("migration_outcome_unknown", ErrMigrationOutcomeUnknown)
	transport.RegisterError("migration_in_progress", ErrMigrationInProgress)
	transport.RegisterError("not_owner", ErrNotOwner)
	transport.RegisterError("unknown_shard", ErrUnknownShard)
	transport.RegisterError("version_conflict", ErrVersionConflict)
	transport.RegisterError("no_staging", ErrNoStaging)
	transport.RegisterError("vector_not_found", ErrVectorNotFound)
}
