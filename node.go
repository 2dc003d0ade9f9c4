package vecmesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecmesh/breaker"
	"github.com/hupe1980/vecmesh/codec"
	"github.com/hupe1980/vecmesh/crdt"
	"github.com/hupe1980/vecmesh/hilbert"
	"github.com/hupe1980/vecmesh/replication"
	"github.com/hupe1980/vecmesh/resource"
	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/transport"
	"github.com/hupe1980/vecmesh/vector"
)

// Result is one nearest-neighbor hit.
type Result = shard.Result

// Record is one version of a vector.
type Record = shard.Record

// CentroidState is a node's view of one shard's centroid.
type CentroidState struct {
	Shard   shard.ID
	Value   vector.Vector
	Count   int64
	Context crdt.Context
}

const maxRouteAttempts = 3

// Node is one member of a vecmesh cluster. It owns the local replicas of
// the shards it holds, forwards writes for other ranges to their owners,
// answers queries by scatter-gather over every owner, and replicates its
// replicas to their peers.
type Node struct {
	id     shard.NodeID
	dim    int
	opts   options
	logger *Logger

	curve    *hilbert.Curve
	mgr      *shard.Manager
	rt       *replication.Runtime
	breakers *breaker.Registry
	res      *resource.Controller
	net      transport.Transport
	mux      *transport.Mux
	framer   codec.Framer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
	wg        sync.WaitGroup
}

// Open creates node id for dim-dimensional vectors, restores persisted
// replicas and joins the cluster whose map the map store holds. If the
// store is empty, the layout from WithCluster or WithInitialMap is stored.
//
// Example:
//
//	n, err := vecmesh.Open(ctx, "node-a", 128,
//	    vecmesh.WithTransport(client),
//	    vecmesh.WithMapStore(store),
//	    vecmesh.WithCluster([]string{"node-a", "node-b", "node-c"}, 12, 2),
//	)
//	if err != nil {
//	    return err
//	}
//	defer n.Close()
//	n.Start(ctx)
func Open(ctx context.Context, id string, dim int, optFns ...Option) (*Node, error) {
	if dim <= 0 {
		return nil, &ErrInvalidDimension{Dimension: dim}
	}
	if id == "" {
		return nil, errors.New("node id must not be empty")
	}
	o := applyOptions(optFns)
	logger := o.logger.WithNode(id)
	slogger := o.logger.Logger

	curve, err := hilbert.New(dim,
		hilbert.WithBitsPerAxis(o.bitsPerAxis),
		hilbert.WithBounds(o.lo, o.hi),
		hilbert.WithLogger(slogger),
		hilbert.WithObserver(o.observer),
	)
	if err != nil {
		return nil, err
	}

	bcfg := o.breakerConfig
	if bcfg.CallTimeout <= 0 {
		bcfg.CallTimeout = o.replicationConfig.CallTimeout
	}
	if bcfg.CallTimeout <= 0 {
		bcfg.CallTimeout = replication.DefaultConfig().CallTimeout
	}
	breakers := breaker.NewRegistry(bcfg,
		breaker.WithLogger(slogger),
		breaker.WithObserver(o.observer),
		breaker.WithClock(o.now),
	)
	res := resource.NewController(o.resourceConfig)

	var network *transport.Network
	t := o.transport
	if t == nil {
		network = transport.NewNetwork()
		t = network.Endpoint(id)
	}
	store := o.mapStore
	if store == nil {
		store = shard.NewMemoryMapStore()
	}

	self := shard.NodeID(id)
	mgr := shard.NewManager(self, curve, crdt.NewClock(crdt.ReplicaID(id)), store,
		shard.WithConfig(o.shardConfig),
		shard.WithTransport(t),
		shard.WithBreakers(breakers),
		shard.WithResources(res),
		shard.WithLogger(slogger),
		shard.WithObserver(o.observer),
		shard.WithClock(o.now),
	)

	if o.blobStore != nil {
		restored, err := mgr.Restore(ctx, o.blobStore, o.snapshotPrefix)
		logger.LogRestore(ctx, o.snapshotPrefix, restored, err)
		if err != nil {
			return nil, err
		}
	}

	initial := o.initialMap
	if initial == nil {
		nodes := o.nodes
		if len(nodes) == 0 {
			nodes = []shard.NodeID{self}
		}
		if initial, err = shard.NewEvenMap(o.numShards, nodes, o.replicationFactor); err != nil {
			return nil, err
		}
	}
	if err := mgr.Bootstrap(ctx, initial); err != nil {
		return nil, fmt.Errorf("bootstrap shard map: %w", err)
	}

	rt := replication.New(mgr, t,
		replication.WithConfig(o.replicationConfig),
		replication.WithBreakers(breakers),
		replication.WithResources(res),
		replication.WithLogger(slogger),
		replication.WithObserver(o.observer),
		replication.WithClock(o.now),
	)

	n := &Node{
		id:       self,
		dim:      dim,
		opts:     o,
		logger:   logger,
		curve:    curve,
		mgr:      mgr,
		rt:       rt,
		breakers: breakers,
		res:      res,
		net:      t,
		mux:      transport.NewMux(),
		framer:   codec.Framer{Compression: codec.CompressionNone},
		stop:     make(chan struct{}),
	}
	mgr.Register(n.mux)
	rt.Register(n.mux)
	n.register(n.mux)
	if network != nil {
		network.Register(id, n.mux)
	}

	logger.InfoContext(ctx, "node opened",
		"dimension", dim,
		"map_version", mgr.Map().Version,
		"shards", len(mgr.Replicas()),
	)
	return n, nil
}

// ID returns the node id.
func (n *Node) ID() string { return string(n.id) }

// Dimension returns the vector dimension.
func (n *Node) Dimension() int { return n.dim }

// Map returns the node's current view of the shard map.
func (n *Node) Map() *shard.Map { return n.mgr.Map() }

// Manager returns the shard manager.
func (n *Node) Manager() *shard.Manager { return n.mgr }

// Replication returns the replication runtime.
func (n *Node) Replication() *replication.Runtime { return n.rt }

// Breakers returns the per-peer circuit breakers.
func (n *Node) Breakers() *breaker.Registry { return n.breakers }

// SyncStatus reports replication synchrony per peer.
func (n *Node) SyncStatus() []replication.PeerStatus { return n.rt.SyncStatus() }

// Handler returns the handler serving this node's peer messages. Register
// it with the transport server.
func (n *Node) Handler() transport.Handler { return n.mux }

func (n *Node) checkOpen() error {
	if n.closed.Load() {
		return ErrClosed
	}
	return nil
}

type putOptions struct {
	metadata map[string]string
}

// PutOption configures Put.
type PutOption func(*putOptions)

// WithMetadata attaches md to the stored version. Metadata is returned by
// Get, History and Nearest and is replaced, not merged, by the next put.
func WithMetadata(md map[string]string) PutOption {
	return func(o *putOptions) {
		o.metadata = md
	}
}

// Put stores v under id and returns the id. An empty id is replaced by a
// fresh UUID. Putting an existing id stores a new version and retracts the
// previous one, even when the new vector routes to a different shard. Put
// fails while an owner that is not replicated locally cannot be reached,
// since that owner may hold the previous version.
func (n *Node) Put(ctx context.Context, v vector.Vector, id string, opts ...PutOption) (string, error) {
	start := time.Now()
	if err := n.checkOpen(); err != nil {
		return "", err
	}
	if err := vector.Validate(v, n.dim); err != nil {
		return "", translateError(err)
	}
	if id == "" {
		id = uuid.NewString()
	}
	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}

	sid, version, forwarded, err := n.put(ctx, id, v, po.metadata)
	n.opts.metricsCollector.RecordPut(time.Since(start), forwarded, err)
	n.logger.LogPut(ctx, id, uint32(sid), version, err)
	if err != nil {
		return "", translateError(err)
	}
	return id, nil
}

func (n *Node) put(ctx context.Context, id string, v vector.Vector, md map[string]string) (shard.ID, uint64, bool, error) {
	prev, found, unreachable, err := n.lookup(ctx, id)
	if err != nil {
		return 0, 0, false, fmt.Errorf("resolve previous version: %w", err)
	}
	// An owner we could not ask may hold a newer version; a version picked
	// without it could sort below the one readers already see.
	if unreachable != nil {
		return 0, 0, false, fmt.Errorf("resolve previous version: %w", unreachable)
	}
	minVersion := uint64(1)
	if found {
		minVersion = prev.Version + 1
	}
	key, err := n.curve.Encode(v)
	if err != nil {
		return 0, 0, false, err
	}

	var (
		sid       shard.ID
		version   uint64
		forwarded bool
	)
	err = n.withRefresh(ctx, func() error {
		r := n.mgr.RouteKey(key)
		sid = r.ID
		if r.Owner == n.id {
			forwarded = false
			rng, muts, err := n.mgr.Put(id, key, minVersion, v, md)
			if err != nil {
				return err
			}
			sid, version = rng.ID, muts[len(muts)-1].Version
			return nil
		}
		forwarded = true
		var resp mutateResponse
		if err := n.call(ctx, r.Owner, transport.KindMutate, r.ID, mutateRequest{
			Op:         opPut,
			ID:         id,
			Key:        key,
			MinVersion: minVersion,
			Vector:     v,
			Metadata:   md,
		}, &resp); err != nil {
			return err
		}
		sid, version = resp.Shard, resp.Version
		return nil
	})
	if err != nil {
		return sid, 0, forwarded, err
	}

	if found && prev.Shard != sid {
		if _, err := n.remove(ctx, id, []shard.ID{prev.Shard}); err != nil && !errors.Is(err, shard.ErrVectorNotFound) {
			// Readers prefer the higher version, so the stale copy is only
			// wasted space until a later delete.
			n.logger.WarnContext(ctx, "retracting previous version failed",
				"id", id,
				"shard", uint32(prev.Shard),
				"error", err,
			)
		}
	}
	return sid, version, forwarded, nil
}

// Delete retracts every live version of id.
func (n *Node) Delete(ctx context.Context, id string) error {
	start := time.Now()
	if err := n.checkOpen(); err != nil {
		return err
	}
	_, err := n.remove(ctx, id, nil)
	err = translateError(err)
	n.opts.metricsCollector.RecordDelete(time.Since(start), err)
	n.logger.LogDelete(ctx, id, err)
	return err
}

// remove retracts id on the owners of shards, or of every range when
// shards is empty. It returns the number of owners that held id.
func (n *Node) remove(ctx context.Context, id string, shards []shard.ID) (int, error) {
	var removed atomic.Int64
	err := n.withRefresh(ctx, func() error {
		removed.Store(0)
		return n.scatter(ctx, n.ranges(shards), func(ctx context.Context, owner shard.NodeID, ids []shard.ID) error {
			var err error
			if owner == n.id {
				if err = n.ownedLocally(ids); err == nil {
					_, err = n.mgr.Delete(id, ids)
				}
			} else {
				err = n.call(ctx, owner, transport.KindMutate, ids[0], mutateRequest{
					Op:     opDelete,
					ID:     id,
					Shards: ids,
				}, &mutateResponse{})
			}
			switch {
			case errors.Is(err, shard.ErrVectorNotFound):
				return nil
			case err != nil:
				return err
			}
			removed.Add(1)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if removed.Load() == 0 {
		return 0, fmt.Errorf("%w: %s", shard.ErrVectorNotFound, id)
	}
	return int(removed.Load()), nil
}

type getOptions struct {
	version uint64
}

// GetOption configures Get.
type GetOption func(*getOptions)

// WithVersion asks for version v of the vector instead of the latest one.
// Superseded versions stay readable while the vector has a live version.
func WithVersion(v uint64) GetOption {
	return func(o *getOptions) {
		o.version = v
	}
}

// Get returns the latest live version of id. Owners that cannot be
// reached and have no local replica are skipped; if id is found nowhere
// else, their error is returned instead of ErrNotFound.
func (n *Node) Get(ctx context.Context, id string, opts ...GetOption) (Record, error) {
	if err := n.checkOpen(); err != nil {
		return Record{}, err
	}
	var g getOptions
	for _, opt := range opts {
		opt(&g)
	}
	if g.version > 0 {
		hist, err := n.History(ctx, id)
		if err != nil {
			return Record{}, err
		}
		for i := len(hist) - 1; i >= 0; i-- {
			if hist[i].Version == g.version {
				return hist[i], nil
			}
		}
		return Record{}, fmt.Errorf("%w: %s version %d", ErrNotFound, id, g.version)
	}
	rec, found, unreachable, err := n.lookup(ctx, id)
	switch {
	case err != nil:
		return Record{}, translateError(err)
	case !found && unreachable != nil:
		return Record{}, unreachable
	case !found:
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// lookup finds the latest version of id on the owners. Owners that
// cannot be reached are skipped; the first such error is returned as
// unreachable so callers can decide whether a miss is conclusive.
func (n *Node) lookup(ctx context.Context, id string) (rec Record, found bool, unreachable, err error) {
	var mu sync.Mutex
	err = n.withRefresh(ctx, func() error {
		found, unreachable = false, nil
		return n.scatter(ctx, n.ranges(nil), func(ctx context.Context, owner shard.NodeID, ids []shard.ID) error {
			r, ok, err := n.getFrom(ctx, owner, id, ids)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && n.fallbackable(err):
				n.logger.DebugContext(ctx, "skipping unreachable owner", "peer", string(owner), "error", err)
				if unreachable == nil {
					unreachable = err
				}
				return nil
			case err != nil:
				return err
			}
			if ok && (!found || r.Version > rec.Version) {
				rec, found = r, true
			}
			return nil
		})
	})
	return rec, found, unreachable, err
}

// History returns every recorded version of id, oldest first, with Live
// set on the current one. Once id has no live version it is not found.
func (n *Node) History(ctx context.Context, id string) ([]Record, error) {
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	var (
		mu          sync.Mutex
		out         []Record
		unreachable error
	)
	err := n.withRefresh(ctx, func() error {
		out, unreachable = nil, nil
		return n.scatter(ctx, n.ranges(nil), func(ctx context.Context, owner shard.NodeID, ids []shard.ID) error {
			recs, err := n.historyFrom(ctx, owner, id, ids)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && n.fallbackable(err):
				if unreachable == nil {
					unreachable = err
				}
				return nil
			case err != nil:
				return err
			}
			out = append(out, recs...)
			return nil
		})
	})
	if err != nil {
		return nil, translateError(err)
	}
	shard.SortHistory(out)
	if !slices.ContainsFunc(out, func(r Record) bool { return r.Live }) {
		if unreachable != nil {
			return nil, unreachable
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return out, nil
}

func (n *Node) historyFrom(ctx context.Context, owner shard.NodeID, id string, ids []shard.ID) ([]Record, error) {
	if owner == n.id {
		if err := n.ownedLocally(ids); err != nil {
			return nil, err
		}
		return n.mgr.History(id, ids), nil
	}
	var resp getResponse
	err := n.call(ctx, owner, transport.KindGet, ids[0], getRequest{ID: id, Shards: ids, History: true}, &resp)
	if err == nil {
		return resp.History, nil
	}
	if !n.fallbackable(err) {
		return nil, err
	}
	reps, ok := n.localReplicas(ids)
	if !ok {
		return nil, err
	}
	var out []Record
	for _, rep := range reps {
		out = append(out, rep.History(id)...)
	}
	return out, nil
}

func (n *Node) getFrom(ctx context.Context, owner shard.NodeID, id string, ids []shard.ID) (Record, bool, error) {
	if owner == n.id {
		if err := n.ownedLocally(ids); err != nil {
			return Record{}, false, err
		}
		rec, ok := n.mgr.Get(id, ids)
		return rec, ok, nil
	}
	var resp getResponse
	err := n.call(ctx, owner, transport.KindGet, ids[0], getRequest{ID: id, Shards: ids}, &resp)
	if err == nil {
		return resp.Record, resp.Found, nil
	}
	if !n.fallbackable(err) {
		return Record{}, false, err
	}
	reps, ok := n.localReplicas(ids)
	if !ok {
		return Record{}, false, err
	}
	var (
		best  Record
		found bool
	)
	for _, rep := range reps {
		if rec, ok := rep.Get(id); ok && (!found || rec.Version > best.Version) {
			best, found = rec, true
		}
	}
	n.logger.DebugContext(ctx, "get served by local replica", "peer", string(owner), "error", err)
	return best, found, nil
}

// Centroid returns the local replica's centroid of shard id.
func (n *Node) Centroid(ctx context.Context, id shard.ID) (CentroidState, error) {
	if err := n.checkOpen(); err != nil {
		return CentroidState{}, err
	}
	rep, ok := n.mgr.Local(id)
	if !ok {
		return CentroidState{}, fmt.Errorf("%w: shard %d is not held by %s", shard.ErrUnknownShard, id, n.id)
	}
	c := rep.Centroid()
	value, err := c.Value()
	if err != nil {
		return CentroidState{Shard: id, Context: c.Context()}, err
	}
	return CentroidState{
		Shard:   id,
		Value:   value,
		Count:   c.Count(),
		Context: c.Context(),
	}, nil
}

// Migrate transfers ownership of shard id to dest. On timeout or failed
// verification the migration rolls back and this node stays owner.
func (n *Node) Migrate(ctx context.Context, id shard.ID, dest string) (shard.Migration, error) {
	start := time.Now()
	if err := n.checkOpen(); err != nil {
		return shard.Migration{}, err
	}
	before := n.res.TransferredBytes()
	mig, err := n.mgr.Migrate(ctx, id, shard.NodeID(dest))
	n.opts.metricsCollector.RecordMigration(n.res.TransferredBytes()-before, time.Since(start), err)
	n.logger.LogMigration(ctx, mig.ID, uint32(id), dest, err)
	return mig, err
}

// Rebalance splits or merges ranges owned by this node until the map has
// target shards.
func (n *Node) Rebalance(ctx context.Context, target int) (*shard.Map, error) {
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	return n.mgr.Rebalance(ctx, target)
}

// Checkpoint snapshots the local replicas into the persistence backend and
// returns how many were written.
func (n *Node) Checkpoint(ctx context.Context) (int, error) {
	if err := n.checkOpen(); err != nil {
		return 0, err
	}
	return n.checkpoint(ctx)
}

func (n *Node) checkpoint(ctx context.Context) (int, error) {
	if n.opts.blobStore == nil {
		return 0, ErrNoPersistence
	}
	written, err := n.mgr.Checkpoint(ctx, n.opts.blobStore, n.opts.snapshotPrefix)
	n.logger.LogCheckpoint(ctx, n.opts.snapshotPrefix, written, err)
	return written, err
}

// Start runs the background work: replication epochs, the staging janitor
// and periodic checkpoints. It returns immediately; Close or cancelling
// ctx stops it.
func (n *Node) Start(ctx context.Context) {
	if n.closed.Load() {
		return
	}
	n.mgr.Start(ctx)
	n.rt.Start(ctx)
	if n.opts.blobStore == nil || n.opts.checkpointInterval <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		t := time.NewTicker(n.opts.checkpointInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stop:
				return
			case <-t.C:
				_, _ = n.checkpoint(ctx)
			}
		}
	}()
}

// Close stops background work and writes a final checkpoint when
// persistence is configured. Migrations in flight finish or roll back
// before their calls return. Close is idempotent.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		close(n.stop)
		n.wg.Wait()
		n.rt.Close()
		n.mgr.Close()
		if n.opts.blobStore != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_, n.closeErr = n.checkpoint(ctx)
		}
		n.logger.Info("node closed")
	})
	return n.closeErr
}

// ranges returns the current ranges with ids in shards, or all of them.
func (n *Node) ranges(shards []shard.ID) []shard.Range {
	mp := n.mgr.Map()
	if len(shards) == 0 {
		return mp.Ranges
	}
	out := make([]shard.Range, 0, len(shards))
	for _, id := range shards {
		if r, ok := mp.Get(id); ok {
			out = append(out, r)
		}
	}
	return out
}

// scatter calls fn once per owner of ranges, concurrently, with the ids
// of the ranges that owner serves.
func (n *Node) scatter(ctx context.Context, ranges []shard.Range, fn func(context.Context, shard.NodeID, []shard.ID) error) error {
	groups := make(map[shard.NodeID][]shard.ID)
	for _, r := range ranges {
		groups[r.Owner] = append(groups[r.Owner], r.ID)
	}
	g, gctx := errgroup.WithContext(ctx)
	for owner, ids := range groups {
		g.Go(func() error {
			return fn(gctx, owner, ids)
		})
	}
	return g.Wait()
}

// withRefresh runs fn and retries it after a map refresh while an owner
// reports that the map has moved on.
func (n *Node) withRefresh(ctx context.Context, fn func() error) error {
	var err error
	for range maxRouteAttempts {
		if err = fn(); !errors.Is(err, shard.ErrNotOwner) {
			return err
		}
		if _, rerr := n.mgr.Refresh(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

// ownedLocally reports ErrNotOwner unless this node owns every shard in ids.
func (n *Node) ownedLocally(ids []shard.ID) error {
	for _, id := range ids {
		rep, ok := n.mgr.Local(id)
		if !ok || !rep.IsOwner() {
			return fmt.Errorf("%w: shard %d on %s", shard.ErrNotOwner, id, n.id)
		}
	}
	return nil
}

// localReplicas returns this node's replicas of every shard in ids.
func (n *Node) localReplicas(ids []shard.ID) ([]*shard.Replica, bool) {
	out := make([]*shard.Replica, 0, len(ids))
	for _, id := range ids {
		rep, ok := n.mgr.Local(id)
		if !ok {
			return nil, false
		}
		out = append(out, rep)
	}
	return out, true
}

// fallbackable reports whether a read that failed against the owner may be
// served by a local replica instead.
func (n *Node) fallbackable(err error) bool {
	if transport.IsRemote(err) {
		return false
	}
	return errors.Is(err, breaker.ErrPeerUnavailable) ||
		errors.Is(err, transport.ErrUnreachable) ||
		errors.Is(err, transport.ErrUnknownPeer) ||
		errors.Is(err, context.DeadlineExceeded)
}

// call sends req to peer through its breaker and decodes the reply into
// resp. Handler errors reported by the peer are returned but do not count
// against the breaker.
func (n *Node) call(ctx context.Context, peer shard.NodeID, kind transport.Kind, sid shard.ID, req, resp any) error {
	body, err := n.framer.Encode(req)
	if err != nil {
		return err
	}
	env := transport.Envelope{Kind: kind, From: string(n.id), Shard: uint32(sid), Body: body}

	var (
		reply     transport.Envelope
		remoteErr error
	)
	err = n.breakers.Get(string(peer)).Do(ctx, func(ctx context.Context) error {
		var err error
		reply, err = n.net.Send(ctx, string(peer), env)
		if transport.IsRemote(err) {
			remoteErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if remoteErr != nil {
		return remoteErr
	}
	if resp == nil || len(reply.Body) == 0 {
		return nil
	}
	return n.framer.Decode(reply.Body, resp)
}
