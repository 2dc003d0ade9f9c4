package vecmesh

import (
	"log/slog"
	"time"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/hupe1980/vecmesh/breaker"
	"github.com/hupe1980/vecmesh/event"
	"github.com/hupe1980/vecmesh/hilbert"
	"github.com/hupe1980/vecmesh/replication"
	"github.com/hupe1980/vecmesh/resource"
	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/transport"
)

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	observer         event.Observer
	now              func() time.Time

	transport transport.Transport
	mapStore  shard.MapStore

	initialMap        *shard.Map
	numShards         int
	nodes             []shard.NodeID
	replicationFactor int

	bitsPerAxis int
	lo, hi      float32

	shardConfig       shard.Config
	replicationConfig replication.Config
	breakerConfig     breaker.Config
	resourceConfig    resource.Config

	blobStore          blobstore.Store
	snapshotPrefix     string
	checkpointInterval time.Duration
}

// Option configures Open.
type Option func(*options)

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := vecmesh.NewJSONLogger(slog.LevelInfo)
//	n, _ := vecmesh.Open(ctx, "node-a", 128, vecmesh.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithObserver sets the observer that receives shard, migration, breaker
// and replication events.
func WithObserver(obs event.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithTransport sets the transport used to reach peers. Without it the
// node runs on a private in-process network and cannot reach other nodes.
func WithTransport(t transport.Transport) Option {
	return func(o *options) {
		o.transport = t
	}
}

// WithMapStore sets the store that holds the authoritative shard map.
// Every node of a cluster must share it. Defaults to an in-memory store,
// which only suits single-node use.
func WithMapStore(s shard.MapStore) Option {
	return func(o *options) {
		o.mapStore = s
	}
}

// WithCluster sets the members and layout used when the map store is
// empty: numShards even ranges over nodes, each held by
// replicationFactor of them.
func WithCluster(nodes []string, numShards, replicationFactor int) Option {
	return func(o *options) {
		o.nodes = make([]shard.NodeID, len(nodes))
		for i, n := range nodes {
			o.nodes[i] = shard.NodeID(n)
		}
		o.numShards = numShards
		o.replicationFactor = replicationFactor
	}
}

// WithInitialMap sets the map stored when the map store is empty. It
// takes precedence over WithCluster.
func WithInitialMap(m *shard.Map) Option {
	return func(o *options) {
		o.initialMap = m
	}
}

// WithSpatialIndex configures the Hilbert quantization: bits per axis and
// the declared coordinate range. Coordinates outside [lo, hi] are clamped.
func WithSpatialIndex(bitsPerAxis int, lo, hi float32) Option {
	return func(o *options) {
		o.bitsPerAxis = bitsPerAxis
		o.lo, o.hi = lo, hi
	}
}

// WithShardConfig sets the migration knobs.
func WithShardConfig(cfg shard.Config) Option {
	return func(o *options) {
		o.shardConfig = cfg
	}
}

// WithReplicationConfig sets the replication runtime knobs.
func WithReplicationConfig(cfg replication.Config) Option {
	return func(o *options) {
		o.replicationConfig = cfg
	}
}

// WithBreakerConfig sets the per-peer circuit breaker knobs shared by
// queries, forwarded writes, migrations and replication.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(o *options) {
		o.breakerConfig = cfg
	}
}

// WithResourceConfig bounds concurrent migrations, transfer bandwidth,
// replication flows and staged bytes.
func WithResourceConfig(cfg resource.Config) Option {
	return func(o *options) {
		o.resourceConfig = cfg
	}
}

// WithPersistence enables snapshots of the local replicas into store
// under prefix. Open restores them and Close writes a final checkpoint.
// A positive interval also checkpoints periodically once Start is called.
func WithPersistence(store blobstore.Store, prefix string, interval time.Duration) Option {
	return func(o *options) {
		o.blobStore = store
		if prefix != "" {
			o.snapshotPrefix = prefix
		}
		o.checkpointInterval = interval
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:            NoopLogger(),
		metricsCollector:  NoopMetricsCollector{},
		observer:          event.NoopObserver{},
		now:               time.Now,
		numShards:         1,
		replicationFactor: 1,
		bitsPerAxis:       hilbert.DefaultBitsPerAxis,
		lo:                -1,
		hi:                1,
		shardConfig:       shard.DefaultConfig(),
		replicationConfig: replication.DefaultConfig(),
		breakerConfig:     breaker.DefaultConfig(),
		snapshotPrefix:    "replicas",
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
