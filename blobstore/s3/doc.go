// Package s3 provides an Amazon S3 implementation of blobstore.Store.
//
// Uploads go through the S3 transfer manager, so large shard snapshots are
// split into parallel multipart uploads automatically.
//
//	cfg, _ := config.LoadDefaultConfig(ctx)
//	store := s3.NewStore(awss3.NewFromConfig(cfg), "my-bucket", "vecmesh/node-1")
package s3
