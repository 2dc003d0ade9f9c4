package crdt

import "errors"

var (
	// ErrEmptyCentroid is returned by Value when the count is not positive.
	ErrEmptyCentroid = errors.New("crdt: empty centroid")

	// ErrCausalConflictUnresolved is returned when a dot is observed with two
	// different payloads. It indicates a broken invariant (a replica reused
	// a counter) and is never retried.
	ErrCausalConflictUnresolved = errors.New("crdt: causal conflict unresolved")

	// ErrInvalidMutation is returned for malformed mutations.
	ErrInvalidMutation = errors.New("crdt: invalid mutation")

	// ErrCorruptDelta is returned when a delta's partial sum or count does not
	// match its mutations.
	ErrCorruptDelta = errors.New("crdt: corrupt delta")
)
