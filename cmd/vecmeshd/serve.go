package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/vecmesh"
	"github.com/hupe1980/vecmesh/breaker"
	"github.com/hupe1980/vecmesh/codec"
	"github.com/hupe1980/vecmesh/replication"
	"github.com/hupe1980/vecmesh/resource"
	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/transport/httptransport"
)

var serveFlags struct {
	id     string
	listen string
	peers  []string

	dim      int
	shards   int
	replicas int
	bits     int
	lo, hi   float32

	epochInterval      time.Duration
	callTimeout        time.Duration
	degradedAfter      time.Duration
	migrationTimeout   time.Duration
	stagingTTL         time.Duration
	chunkSize          int
	transferBytes      int64
	maxMigrations      int64
	failureThreshold   int
	cooldown           time.Duration
	maxCooldown        time.Duration
	compression        string
	checkpointInterval time.Duration

	logLevel string
	logJSON  bool

	backend backendFlags
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node",
	Example: `  vecmeshd serve --id a --listen :7070 --dim 128 \
    --peers a=http://10.0.0.1:7070,b=http://10.0.0.2:7070,c=http://10.0.0.3:7070 \
    --shards 12 --replicas 2 --map-store dynamodb --dynamo-table vecmesh-maps \
    --backend s3 --bucket vecmesh-snapshots`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.id, "id", "", "node id (must appear in --peers)")
	f.StringVar(&serveFlags.listen, "listen", ":7070", "address to serve peer traffic on")
	f.StringSliceVar(&serveFlags.peers, "peers", nil, "cluster members as id=url pairs, including this node")

	f.IntVar(&serveFlags.dim, "dim", 0, "vector dimension")
	f.IntVar(&serveFlags.shards, "shards", 4, "initial shard count when the map store is empty")
	f.IntVar(&serveFlags.replicas, "replicas", 2, "nodes holding each shard, owner included")
	f.IntVar(&serveFlags.bits, "bits", 16, "Hilbert quantization bits per axis")
	f.Float32Var(&serveFlags.lo, "bounds-min", -1, "lower bound of every coordinate")
	f.Float32Var(&serveFlags.hi, "bounds-max", 1, "upper bound of every coordinate")

	f.DurationVar(&serveFlags.epochInterval, "epoch-interval", time.Second, "replication epoch period")
	f.DurationVar(&serveFlags.callTimeout, "call-timeout", 2*time.Second, "timeout of a single peer call")
	f.DurationVar(&serveFlags.degradedAfter, "degraded-after", 30*time.Second, "report a peer degraded after this long without a delivery")
	f.DurationVar(&serveFlags.migrationTimeout, "migration-timeout", 30*time.Second, "bound on a migration before it rolls back")
	f.DurationVar(&serveFlags.stagingTTL, "staging-ttl", 2*time.Minute, "idle time before a destination drops a staging area")
	f.IntVar(&serveFlags.chunkSize, "chunk-size", 256, "mutations per migration chunk")
	f.Int64Var(&serveFlags.transferBytes, "transfer-bytes-per-sec", 0, "migration bandwidth limit (0 = unlimited)")
	f.Int64Var(&serveFlags.maxMigrations, "max-migrations", 1, "concurrent outgoing migrations")
	f.IntVar(&serveFlags.failureThreshold, "breaker-threshold", 5, "consecutive failures that open a peer's circuit")
	f.DurationVar(&serveFlags.cooldown, "breaker-cooldown", time.Second, "initial open-circuit cooldown")
	f.DurationVar(&serveFlags.maxCooldown, "breaker-max-cooldown", time.Minute, "cap on the open-circuit cooldown")
	f.StringVar(&serveFlags.compression, "compression", "lz4", "replication payload compression: none, lz4, zstd")
	f.DurationVar(&serveFlags.checkpointInterval, "checkpoint-interval", time.Minute, "snapshot period (0 = only on shutdown)")

	f.StringVar(&serveFlags.logLevel, "log-level", "info", "debug, info, warn or error")
	f.BoolVar(&serveFlags.logJSON, "log-json", false, "log as JSON")

	b := &serveFlags.backend
	f.StringVar(&b.kind, "backend", "none", "snapshot store: none, memory, local, s3, minio, sqlite, redis")
	f.StringVar(&b.prefix, "prefix", "vecmesh", "key prefix inside the backend")
	f.StringVar(&b.dataDir, "data-dir", "./data", "directory of the local backend")
	f.StringVar(&b.bucket, "bucket", "", "bucket of the s3 and minio backends")
	f.StringVar(&b.awsRegion, "aws-region", "us-east-1", "region for s3 and dynamodb")
	f.StringVar(&b.minioEndpoint, "minio-endpoint", "localhost:9000", "minio endpoint")
	f.StringVar(&b.minioAccessKey, "minio-access-key", "", "minio access key")
	f.StringVar(&b.minioSecretKey, "minio-secret-key", "", "minio secret key")
	f.BoolVar(&b.minioSSL, "minio-ssl", false, "use TLS for minio")
	f.StringVar(&b.sqliteDSN, "sqlite-dsn", "file:vecmesh.db", "sqlite data source name")
	f.StringVar(&b.redisAddr, "redis-addr", "localhost:6379", "redis address")
	f.StringVar(&b.redisPassword, "redis-password", "", "redis password")
	f.IntVar(&b.redisDB, "redis-db", 0, "redis database")
	f.StringVar(&b.mapStore, "map-store", "memory", "shard map store: memory, blob, dynamodb")
	f.StringVar(&b.dynamoTable, "dynamo-table", "vecmesh-maps", "dynamodb table of the map store")
	f.StringVar(&b.cluster, "cluster", "default", "cluster name inside the map store")

	_ = serveCmd.MarkFlagRequired("id")
	_ = serveCmd.MarkFlagRequired("dim")
}

// parsePeers parses id=url pairs.
func parsePeers(pairs []string) (map[string]string, []string, error) {
	peers := make(map[string]string, len(pairs))
	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, nil, fmt.Errorf("invalid peer %q, want id=url", p)
		}
		if _, dup := peers[id]; dup {
			return nil, nil, fmt.Errorf("duplicate peer %q", id)
		}
		peers[id] = addr
		ids = append(ids, id)
	}
	return peers, ids, nil
}

func newLogger(level string, json bool) (*vecmesh.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if json {
		return vecmesh.NewJSONLogger(l), nil
	}
	return vecmesh.NewTextLogger(l), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	sf := serveFlags

	logger, err := newLogger(sf.logLevel, sf.logJSON)
	if err != nil {
		return err
	}
	peers, ids, err := parsePeers(sf.peers)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		ids = []string{sf.id}
	}
	if _, ok := peers[sf.id]; !ok && len(peers) > 0 {
		return fmt.Errorf("--id %q is not listed in --peers", sf.id)
	}
	comp, err := codec.ParseCompression(sf.compression)
	if err != nil {
		return err
	}

	blobs, closer, err := openBlobStore(ctx, sf.backend)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	maps, err := openMapStore(ctx, sf.backend, blobs)
	if err != nil {
		return fmt.Errorf("open map store: %w", err)
	}

	client := httptransport.NewClient(sf.id, peers,
		httptransport.WithClientLogger(logger.Logger),
	)
	opts := []vecmesh.Option{
		vecmesh.WithLogger(logger),
		vecmesh.WithTransport(client),
		vecmesh.WithMapStore(maps),
		vecmesh.WithCluster(ids, sf.shards, sf.replicas),
		vecmesh.WithSpatialIndex(sf.bits, sf.lo, sf.hi),
		vecmesh.WithShardConfig(shard.Config{
			MigrationTimeout: sf.migrationTimeout,
			ChunkSize:        sf.chunkSize,
			StagingTTL:       sf.stagingTTL,
			Compression:      codec.CompressionZSTD,
		}),
		vecmesh.WithReplicationConfig(replication.Config{
			EpochInterval: sf.epochInterval,
			CallTimeout:   sf.callTimeout,
			DegradedAfter: sf.degradedAfter,
			Compression:   comp,
		}),
		vecmesh.WithBreakerConfig(breaker.Config{
			FailureThreshold:  sf.failureThreshold,
			Cooldown:          sf.cooldown,
			BackoffMultiplier: 2,
			MaxCooldown:       sf.maxCooldown,
			CallTimeout:       sf.callTimeout,
		}),
		vecmesh.WithResourceConfig(resource.Config{
			MaxMigrations:       sf.maxMigrations,
			TransferBytesPerSec: sf.transferBytes,
		}),
	}
	if blobs != nil {
		opts = append(opts, vecmesh.WithPersistence(blobs, sf.backend.prefix+"/replicas", sf.checkpointInterval))
	}

	node, err := vecmesh.Open(ctx, sf.id, sf.dim, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              sf.listen,
		Handler:           httptransport.NewServer(node.Handler(), httptransport.WithServerLogger(logger.Logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", sf.listen, "node", sf.id)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	node.Start(ctx)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	return errors.Join(err, node.Close())
}
