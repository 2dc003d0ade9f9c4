// Package shard owns the shard map and the shard replicas held by a node.
//
// A Map partitions the Hilbert key space [0, hilbert.KeySpace) into
// contiguous half-open ranges, each with an owning node and a replica
// set. Maps are immutable; Split, Merge and Transfer return a new map
// with the next version. A MapStore is the cluster's source of truth and
// accepts a new map only by compare-and-swap on its version.
//
// The Manager routes vectors to ranges, keeps one Replica per locally
// held range and runs the migration state machine:
//
//	Stable -> Splitting | Merging -> Stable
//	Stable -> Transferring -> Committed -> Stable
//	Transferring -> RolledBack
//
// During a transfer the source streams its mutation log into a staging
// area on the destination. At commit the source holds the shard's
// exclusive section, sends the catch-up delta, and swaps ownership only
// after the destination reports that its staged state covers every dot
// the source has applied. A timeout or failed verification rolls back:
// the source stays owner and the destination drops its staging area.
package shard
