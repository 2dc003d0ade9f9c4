// Package blobstore is the persistence collaborator of vecmesh.
//
// The core stores shard snapshots and the shard map as opaque named blobs
// and relies only on the Store contract: whole-blob Put, Get, Exists,
// Delete and List. No transactional semantics are assumed beyond a single
// Put being atomic.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, for tests and ephemeral nodes
//   - LocalStore: local filesystem with atomic rename and a directory lock
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible services
//   - sqlite.Store: a single SQLite file
//   - redis.Store: a Redis keyspace
package blobstore
