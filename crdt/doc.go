// Package crdt implements the per-shard centroid as a delta-state
// conflict-free replicated aggregate.
//
// Every local mutation is tagged with a Dot (replica id, counter) issued by
// the node's Clock. A Centroid records which dots it has applied in
// per-replica roaring bitmaps and keeps the causal context as the pointwise
// maximum counter per replica. Merging replays only dots that are not
// already applied, so re-delivered deltas are no-ops and merge is
// commutative, associative and idempotent.
//
// The sum is recomputed from the applied mutation set in canonical dot
// order (replica, then counter) and cached. Two replicas holding the same
// mutation set therefore report bit-identical sums regardless of the order
// in which the mutations arrived.
package crdt
