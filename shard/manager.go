package shard

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/vecmesh/breaker"
	"github.com/hupe1980/vecmesh/codec"
	"github.com/hupe1980/vecmesh/crdt"
	"github.com/hupe1980/vecmesh/event"
	"github.com/hupe1980/vecmesh/hilbert"
	"github.com/hupe1980/vecmesh/resource"
	"github.com/hupe1980/vecmesh/transport"
	"github.com/hupe1980/vecmesh/vector"
	"golang.org/x/sync/singleflight"
)

// Config holds migration knobs.
type Config struct {
	// MigrationTimeout bounds a transfer from begin to commit.
	MigrationTimeout time.Duration
	// ChunkSize is the number of mutations per transfer chunk.
	ChunkSize int
	// StagingTTL is how long a destination keeps an idle staging area.
	StagingTTL time.Duration
	// RetryBase is the first backoff step for transfer retries.
	RetryBase time.Duration
	// Compression is applied to transfer payloads.
	Compression codec.Compression
}

// DefaultConfig returns the default migration settings.
func DefaultConfig() Config {
	return Config{
		MigrationTimeout: 30 * time.Second,
		ChunkSize:        256,
		StagingTTL:       2 * time.Minute,
		RetryBase:        20 * time.Millisecond,
		Compression:      codec.CompressionZSTD,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MigrationTimeout <= 0 {
		c.MigrationTimeout = d.MigrationTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.StagingTTL <= 0 {
		c.StagingTTL = d.StagingTTL
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the migration configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithTransport sets the transport used for migrations and map updates.
func WithTransport(t transport.Transport) Option {
	return func(m *Manager) {
		m.net = t
	}
}

// WithBreakers routes every migration call through the per-peer breakers
// of reg.
func WithBreakers(reg *breaker.Registry) Option {
	return func(m *Manager) {
		m.breakers = reg
	}
}

// WithResources sets the resource controller bounding migrations.
func WithResources(rc *resource.Controller) Option {
	return func(m *Manager) {
		m.res = rc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithObserver sets the event observer.
func WithObserver(o event.Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the shard map view of one node and its local replicas.
type Manager struct {
	self     NodeID
	curve    *hilbert.Curve
	clock    *crdt.Clock
	store    MapStore
	net      transport.Transport
	breakers *breaker.Registry
	res      *resource.Controller
	cfg      Config
	framer   codec.Framer
	logger   *slog.Logger
	observer event.Observer
	now      func() time.Time

	installMu sync.Mutex
	mapMu     sync.RWMutex
	cur       *Map

	repMu    sync.RWMutex
	replicas map[ID]*Replica

	stMu    sync.Mutex
	staging map[string]*stagingArea

	migMu      sync.Mutex
	migrations map[string]*migrationTask
	active     map[ID]string

	refreshGroup singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a manager for node self. Dots for local writes come
// from clock; curve maps vectors to keys.
func NewManager(self NodeID, curve *hilbert.Curve, clock *crdt.Clock, store MapStore, opts ...Option) *Manager {
	m := &Manager{
		self:       self,
		curve:      curve,
		clock:      clock,
		store:      store,
		cfg:        DefaultConfig(),
		logger:     slog.New(slog.DiscardHandler),
		observer:   event.NoopObserver{},
		now:        time.Now,
		replicas:   make(map[ID]*Replica),
		staging:    make(map[string]*stagingArea),
		migrations: make(map[string]*migrationTask),
		active:     make(map[ID]string),
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = m.cfg.withDefaults()
	m.framer = codec.Framer{Compression: m.cfg.Compression}
	m.logger = m.logger.With("node", string(self))
	return m
}

// Self returns the local node id.
func (m *Manager) Self() NodeID { return m.self }

// Curve returns the spatial index.
func (m *Manager) Curve() *hilbert.Curve { return m.curve }

// Clock returns the node's dot clock.
func (m *Manager) Clock() *crdt.Clock { return m.clock }

// Bootstrap loads the stored map or, if the store is empty, stores
// initial. Racing bootstraps settle on whichever map was stored first.
func (m *Manager) Bootstrap(ctx context.Context, initial *Map) error {
	stored, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoMap):
		if initial == nil {
			return ErrNoMap
		}
		if err := m.store.CompareAndSwap(ctx, 0, initial); err != nil {
			if !errors.Is(err, ErrVersionConflict) {
				return err
			}
			if stored, err = m.store.Load(ctx); err != nil {
				return err
			}
		} else {
			stored = initial
		}
	case err != nil:
		return err
	}
	m.install(stored)
	return nil
}

// Map returns the current map.
func (m *Manager) Map() *Map {
	m.mapMu.RLock()
	defer m.mapMu.RUnlock()
	return m.cur
}

// Refresh loads the stored map and installs it if it is newer. Concurrent
// refreshes share one load.
func (m *Manager) Refresh(ctx context.Context) (*Map, error) {
	v, err, _ := m.refreshGroup.Do("refresh", func() (any, error) {
		stored, err := m.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		m.install(stored)
		return m.Map(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Map), nil
}

// install swaps in next if it is newer than the current map and
// reconciles local replicas. It reports whether next was installed.
func (m *Manager) install(next *Map) bool {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	m.mapMu.Lock()
	if m.cur != nil && next.Version <= m.cur.Version {
		same := next.Version == m.cur.Version
		m.mapMu.Unlock()
		if same {
			m.unfence(next)
		}
		return false
	}
	prev := m.cur
	m.cur = next
	m.mapMu.Unlock()

	m.reconcile(next)

	for _, r := range next.Held(m.self) {
		if prev != nil {
			if old, ok := prev.Get(r.ID); ok && old.Low == r.Low && old.High == r.High && old.Owner == r.Owner {
				continue
			}
		}
		event.Emit(m.observer, event.Event{
			Kind:  event.KindShardAssigned,
			Node:  string(m.self),
			Shard: uint32(r.ID),
			Peer:  string(r.Owner),
		})
	}
	m.logger.Debug("shard map installed", "version", next.Version, "shards", next.Len())
	return true
}

// unfence settles replicas whose ownership an unsettled migration left in
// doubt, using the current map mp read back from the store.
func (m *Manager) unfence(mp *Map) {
	m.repMu.RLock()
	defer m.repMu.RUnlock()
	for _, r := range mp.Held(m.self) {
		if rep, ok := m.replicas[r.ID]; ok && rep.fenced.Load() {
			rep.setOwner(r.Owner == m.self)
			m.logger.Info("replica ownership settled", "shard", uint32(r.ID), "owner", string(r.Owner))
		}
	}
}

// reconcile makes the local replicas match the ranges m holds in mp.
// Replicas whose bounds are unchanged are kept. Others are retired and
// their mutations repartitioned by key into the new ranges. Verified
// staging areas for ranges this node now owns are promoted.
func (m *Manager) reconcile(mp *Map) {
	m.repMu.Lock()
	defer m.repMu.Unlock()

	held := mp.Held(m.self)
	old := m.replicas
	next := make(map[ID]*Replica, len(held))

	keep := make(map[*Replica]bool, len(old))
	for _, r := range held {
		if rep, ok := old[r.ID]; ok {
			if b := rep.Range(); b.Low == r.Low && b.High == r.High {
				keep[rep] = true
			}
		}
	}
	// Retire replaced replicas before copying so no write slips past.
	for _, rep := range old {
		if !keep[rep] {
			rep.retire()
		}
	}

	for _, r := range held {
		owner := r.Owner == m.self
		rep, ok := old[r.ID]
		if ok && keep[rep] {
			rep.setRange(r)
			rep.setOwner(owner)
		} else {
			c := crdt.New(m.curve.Dim())
			for _, o := range old {
				if keep[o] {
					continue
				}
				b := o.Range()
				if b.High <= r.Low || b.Low >= r.High {
					continue
				}
				part := o.Centroid().Partition(func(mu crdt.Mutation) bool { return r.Contains(mu.Key) })
				if _, err := c.Join(part); err != nil {
					m.violation(r.ID, err)
				}
			}
			rep = newReplica(r, c, owner, m.now)
		}
		if owner {
			m.promoteStaging(rep)
		}
		next[r.ID] = rep
	}
	m.replicas = next
}

// violation reports a causal conflict, which is an internal invariant
// violation and never retried.
func (m *Manager) violation(id ID, err error) {
	m.logger.Error("causal conflict", "shard", uint32(id), "error", err)
	event.Emit(m.observer, event.Event{
		Kind:  event.KindInvariantViolation,
		Node:  string(m.self),
		Shard: uint32(id),
		Err:   err,
	})
}

// Route returns the range owning v and v's key.
func (m *Manager) Route(v vector.Vector) (Range, uint64, error) {
	key, err := m.curve.Encode(v)
	if err != nil {
		return Range{}, 0, err
	}
	return m.RouteKey(key), key, nil
}

// RouteKey returns the range containing key.
func (m *Manager) RouteKey(key uint64) Range {
	m.mapMu.RLock()
	defer m.mapMu.RUnlock()
	return m.cur.Lookup(key)
}

// Local returns the local replica of shard id.
func (m *Manager) Local(id ID) (*Replica, bool) {
	m.repMu.RLock()
	defer m.repMu.RUnlock()
	r, ok := m.replicas[id]
	return r, ok
}

// Replicas returns the local replicas ordered by shard id.
func (m *Manager) Replicas() []*Replica {
	m.repMu.RLock()
	out := make([]*Replica, 0, len(m.replicas))
	for _, r := range m.replicas {
		out = append(out, r)
	}
	m.repMu.RUnlock()

	slices.SortFunc(out, func(a, b *Replica) int { return cmp.Compare(a.Shard(), b.Shard()) })
	return out
}

// Owned returns the local replicas this node owns.
func (m *Manager) Owned() []*Replica {
	return slices.DeleteFunc(m.Replicas(), func(r *Replica) bool { return !r.IsOwner() })
}

const maxRouteAttempts = 3

// Put writes v and its metadata md as id on the local owner replica of
// key. It returns ErrNotOwner if another node owns the range.
func (m *Manager) Put(id string, key, minVersion uint64, v vector.Vector, md map[string]string) (Range, []crdt.Mutation, error) {
	var lastErr error
	for range maxRouteAttempts {
		r := m.RouteKey(key)
		if r.Owner != m.self {
			return r, nil, fmt.Errorf("%w: shard %d is owned by %s", ErrNotOwner, r.ID, r.Owner)
		}
		rep, ok := m.Local(r.ID)
		if !ok {
			return r, nil, fmt.Errorf("%w: shard %d", ErrUnknownShard, r.ID)
		}
		muts, err := rep.Put(m.clock, id, key, minVersion, v, md)
		if errors.Is(err, ErrNotOwner) {
			// The map changed under us; route again.
			lastErr = err
			continue
		}
		return r, muts, err
	}
	return Range{}, nil, lastErr
}

// Delete retracts id from the local owned replicas in shards. An empty
// shards slice means every owned replica.
func (m *Manager) Delete(id string, shards []ID) ([]crdt.Mutation, error) {
	var out []crdt.Mutation
	for _, rep := range m.Owned() {
		if len(shards) > 0 && !slices.Contains(shards, rep.Shard()) {
			continue
		}
		muts, err := rep.Delete(m.clock, id)
		switch {
		case errors.Is(err, ErrVectorNotFound), errors.Is(err, ErrNotOwner):
			continue
		case err != nil:
			return out, err
		}
		out = append(out, muts...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVectorNotFound, id)
	}
	return out, nil
}

// Get returns the latest version of id across the local owned replicas
// in shards. An empty shards slice means every owned replica.
func (m *Manager) Get(id string, shards []ID) (Record, bool) {
	var best Record
	found := false
	for _, rep := range m.Owned() {
		if len(shards) > 0 && !slices.Contains(shards, rep.Shard()) {
			continue
		}
		if rec, ok := rep.Get(id); ok && (!found || rec.Version > best.Version) {
			best, found = rec, true
		}
	}
	return best, found
}

// History returns the versions of id recorded by the local owned replicas
// in shards, oldest first. An empty shards slice means every owned
// replica.
func (m *Manager) History(id string, shards []ID) []Record {
	var out []Record
	for _, rep := range m.Owned() {
		if len(shards) > 0 && !slices.Contains(shards, rep.Shard()) {
			continue
		}
		out = append(out, rep.History(id)...)
	}
	SortHistory(out)
	return out
}

// SortHistory orders records oldest version first. Of equal versions the
// live one sorts last.
func SortHistory(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		if c := cmp.Compare(a.Version, b.Version); c != 0 {
			return c
		}
		switch {
		case a.Live == b.Live:
			return 0
		case a.Live:
			return 1
		default:
			return -1
		}
	})
}

// Nearest searches the local owned replicas in shards. An empty shards
// slice means every owned replica.
func (m *Manager) Nearest(q vector.Vector, k int, metric vector.Metric, after *Result, shards []ID) ([]Result, error) {
	var out []Result
	for _, rep := range m.Owned() {
		if len(shards) > 0 && !slices.Contains(shards, rep.Shard()) {
			continue
		}
		res, err := rep.Nearest(q, k, metric, after)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
	}
	slices.SortFunc(out, Result.Compare)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// ApplyDelta merges a replicated delta into the local replicas whose
// ranges contain each mutation's key. Mutations for ranges this node does
// not hold are skipped. It returns the number of newly applied mutations.
func (m *Manager) ApplyDelta(d crdt.Delta) (int, error) {
	if err := d.Verify(m.curve.Dim()); err != nil {
		return 0, err
	}

	applied := 0
	for attempt := 0; ; attempt++ {
		groups := make(map[*Replica][]crdt.Mutation)
		m.repMu.RLock()
		for _, mu := range d.Mutations {
			for _, rep := range m.replicas {
				if rep.Range().Contains(mu.Key) {
					groups[rep] = append(groups[rep], mu)
					break
				}
			}
		}
		m.repMu.RUnlock()

		retry := false
		for rep, muts := range groups {
			fresh, err := rep.Apply(crdt.NewDelta(d.From, m.curve.Dim(), muts))
			switch {
			case errors.Is(err, errRetired):
				retry = true
				continue
			case crdt.IsConflict(err):
				m.violation(rep.Shard(), err)
				return applied, err
			case err != nil:
				return applied, err
			}
			applied += len(fresh)
			if len(fresh) > 0 {
				event.Emit(m.observer, event.Event{
					Kind:  event.KindMergeApplied,
					Node:  string(m.self),
					Shard: uint32(rep.Shard()),
					Peer:  string(d.From),
					Count: len(fresh),
				})
			}
		}
		if !retry || attempt >= maxRouteAttempts {
			return applied, nil
		}
	}
}

// Loads returns the load of every local replica.
func (m *Manager) Loads() []Load {
	reps := m.Replicas()
	out := make([]Load, len(reps))
	for i, r := range reps {
		out[i] = r.Load()
	}
	return out
}

// Overloaded returns the loads of local owned replicas exceeding either
// limit. A zero limit is ignored.
func (m *Manager) Overloaded(maxVectors int, maxQueryRate float64) []Load {
	var out []Load
	for _, r := range m.Owned() {
		if l := r.Load(); l.Overloaded(maxVectors, maxQueryRate) {
			out = append(out, l)
		}
	}
	return out
}

// Start runs the staging janitor until ctx ends or Close is called.
func (m *Manager) Start(ctx context.Context) {
	interval := max(m.cfg.StagingTTL/4, 10*time.Millisecond)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-t.C:
				m.SweepStaging(ctx)
			}
		}
	}()
}

// Close stops background work.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// call sends env to peer through the peer's breaker, if any. Errors the
// peer answered with do not count against its breaker.
func (m *Manager) call(ctx context.Context, peer NodeID, env transport.Envelope) (transport.Envelope, error) {
	if m.net == nil {
		return transport.Envelope{}, errors.New("shard: no transport configured")
	}
	if m.breakers == nil {
		return m.net.Send(ctx, string(peer), env)
	}

	var (
		resp      transport.Envelope
		remoteErr error
	)
	err := m.breakers.Get(string(peer)).Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = m.net.Send(ctx, string(peer), env)
		if transport.IsRemote(err) {
			remoteErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return transport.Envelope{}, err
	}
	return resp, remoteErr
}

// broadcastMap tells every other node in mp to refresh. Failures are
// logged; nodes also refresh when a write is rejected.
func (m *Manager) broadcastMap(ctx context.Context, mp *Map) {
	if m.net == nil {
		return
	}
	for _, n := range mp.Nodes() {
		if n == m.self {
			continue
		}
		if _, err := m.call(ctx, n, transport.Envelope{Kind: transport.KindMapUpdate}); err != nil {
			m.logger.Debug("map update not delivered", "peer", string(n), "version", mp.Version, "error", err)
		}
	}
}
