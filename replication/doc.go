// Package replication runs the epoch loop that pushes centroid deltas
// between the replicas of each shard.
//
// Every epoch, for each local replica and each other holder of its range,
// one flow task is submitted to a worker pool unless the previous task of
// that flow is still running. A task sends the mutations past the flow's
// acknowledgment watermark through the peer's circuit breaker. Results are
// applied by a single loop, the only writer of the watermark table; a
// failed delivery leaves the watermark where it was so the backlog is
// resent next epoch. Watermarks are log positions of one replica
// generation and restart at zero when a map change rebuilds the replica.
//
// Receivers merge deltas with Manager.ApplyDelta. Merging is idempotent,
// so a resend after a lost acknowledgment is harmless.
package replication
