package main

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/hupe1980/vecmesh/blobstore/minio"
	"github.com/hupe1980/vecmesh/blobstore/redis"
	"github.com/hupe1980/vecmesh/blobstore/s3"
	"github.com/hupe1980/vecmesh/blobstore/sqlite"
	"github.com/hupe1980/vecmesh/shard"
)

// backendFlags selects the blob store used for snapshots and, optionally,
// for the shard map.
type backendFlags struct {
	kind   string
	prefix string

	dataDir string

	bucket    string
	awsRegion string

	minioEndpoint  string
	minioAccessKey string
	minioSecretKey string
	minioSSL       bool

	sqliteDSN string

	redisAddr     string
	redisPassword string
	redisDB       int

	mapStore    string
	dynamoTable string
	cluster     string
}

// openBlobStore returns the configured store, or nil for "none". The
// returned closer releases the store's connection or lock.
func openBlobStore(ctx context.Context, f backendFlags) (blobstore.Store, io.Closer, error) {
	switch f.kind {
	case "none", "":
		return nil, nil, nil
	case "memory":
		return blobstore.NewMemoryStore(), nil, nil
	case "local":
		s, err := blobstore.OpenLocalStore(f.dataDir)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "s3":
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(f.awsRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return s3.NewStore(awss3.NewFromConfig(cfg), f.bucket, f.prefix), nil, nil
	case "minio":
		client, err := miniogo.New(f.minioEndpoint, &miniogo.Options{
			Creds:  credentials.NewStaticV4(f.minioAccessKey, f.minioSecretKey, ""),
			Secure: f.minioSSL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("minio client: %w", err)
		}
		return minio.NewStore(client, f.bucket, f.prefix), nil, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, f.sqliteDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "redis":
		opts := redis.DefaultOptions()
		opts.Address = f.redisAddr
		opts.Password = f.redisPassword
		opts.DB = f.redisDB
		if f.prefix != "" {
			opts.Prefix = f.prefix
		}
		s, err := redis.Open(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", f.kind)
	}
}

// openMapStore returns the shard map store. "blob" keeps the map in the
// blob store, which then must be shared by every node.
func openMapStore(ctx context.Context, f backendFlags, blobs blobstore.Store) (shard.MapStore, error) {
	switch f.mapStore {
	case "memory", "":
		return shard.NewMemoryMapStore(), nil
	case "blob":
		if blobs == nil {
			return nil, fmt.Errorf("map store %q needs a blob backend", f.mapStore)
		}
		return shard.NewBlobMapStore(blobs, "shardmap"), nil
	case "dynamodb":
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(f.awsRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return shard.NewDynamoMapStore(dynamodb.NewFromConfig(cfg), f.dynamoTable, f.cluster), nil
	default:
		return nil, fmt.Errorf("unknown map store %q", f.mapStore)
	}
}
