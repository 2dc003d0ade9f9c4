package shard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/hupe1980/vecmesh/crdt"
	"github.com/hupe1980/vecmesh/event"
	"github.com/hupe1980/vecmesh/hilbert"
	"github.com/hupe1980/vecmesh/testutil"
	"github.com/hupe1980/vecmesh/transport"
	"github.com/hupe1980/vecmesh/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testCluster struct {
	t     *testing.T
	net   *transport.Network
	store *MemoryMapStore
	nodes map[NodeID]*Manager
	muxes map[NodeID]*transport.Mux
}

func newTestManager(t *testing.T, id NodeID, store MapStore, opts ...Option) *Manager {
	t.Helper()
	curve, err := hilbert.New(testDim)
	require.NoError(t, err)
	m := NewManager(id, curve, crdt.NewClock(crdt.ReplicaID(id)), store, opts...)
	t.Cleanup(m.Close)
	return m
}

// newTestCluster starts one manager per node over an in-memory network.
// Options in extra apply to the named node only.
func newTestCluster(t *testing.T, initial *Map, cfg Config, extra map[NodeID][]Option) *testCluster {
	t.Helper()
	c := &testCluster{
		t:     t,
		net:   transport.NewNetwork(),
		store: NewMemoryMapStore(),
		nodes: make(map[NodeID]*Manager),
		muxes: make(map[NodeID]*transport.Mux),
	}
	for _, id := range initial.Nodes() {
		opts := append([]Option{WithConfig(cfg), WithTransport(c.net.Endpoint(string(id)))}, extra[id]...)
		m := newTestManager(t, id, c.store, opts...)
		mux := transport.NewMux()
		m.Register(mux)
		c.net.Register(string(id), mux)
		c.nodes[id] = m
		c.muxes[id] = mux
	}
	for _, id := range initial.Nodes() {
		require.NoError(t, c.nodes[id].Bootstrap(context.Background(), initial))
	}
	return c
}

// putRouted writes n random vectors through their owners and returns
// them by id. If only is not noShard, vectors routed elsewhere are skipped.
func (c *testCluster) putRouted(rng *testutil.RNG, n int, only ID) map[string]vector.Vector {
	c.t.Helper()
	out := make(map[string]vector.Vector)
	router := c.anyNode()
	for i := 0; len(out) < n; i++ {
		v := rng.UniformRangeVectors(1, testDim)[0]
		r, key, err := router.Route(v)
		require.NoError(c.t, err)
		if only != noShard && r.ID != only {
			continue
		}
		id := fmt.Sprintf("v%d", i)
		_, _, err = c.nodes[r.Owner].Put(id, key, 0, v, nil)
		require.NoError(c.t, err)
		out[id] = v
	}
	return out
}

func (c *testCluster) anyNode() *Manager {
	for _, m := range c.nodes {
		return m
	}
	return nil
}

const noShard = ID(1<<32 - 1)

func singleNode(t *testing.T, shards int, opts ...Option) *Manager {
	t.Helper()
	initial, err := NewEvenMap(shards, []NodeID{"a"}, 1)
	require.NoError(t, err)
	m := newTestManager(t, "a", NewMemoryMapStore(), opts...)
	require.NoError(t, m.Bootstrap(context.Background(), initial))
	return m
}

func putRandom(t *testing.T, m *Manager, rng *testutil.RNG, n int) map[string]vector.Vector {
	t.Helper()
	out := make(map[string]vector.Vector, n)
	for i, v := range rng.UniformRangeVectors(n, testDim) {
		_, key, err := m.Route(v)
		require.NoError(t, err)
		id := fmt.Sprintf("v%d", i)
		_, _, err = m.Put(id, key, 0, v, nil)
		require.NoError(t, err)
		out[id] = v
	}
	return out
}

func totalVectors(m *Manager) int {
	n := 0
	for _, rep := range m.Replicas() {
		n += rep.Len()
	}
	return n
}

func assertKeysInRange(t *testing.T, m *Manager) {
	t.Helper()
	for _, rep := range m.Replicas() {
		r := rep.Range()
		for _, mu := range rep.Centroid().Mutations() {
			assert.True(t, r.Contains(mu.Key), "mutation %s key %d outside %s", mu.Dot, mu.Key, r)
		}
	}
}

func TestManager_Bootstrap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMapStore()

	first, err := NewEvenMap(2, []NodeID{"a"}, 1)
	require.NoError(t, err)
	other, err := NewEvenMap(3, []NodeID{"a"}, 1)
	require.NoError(t, err)

	a := newTestManager(t, "a", store)
	require.NoError(t, a.Bootstrap(ctx, first))
	b := newTestManager(t, "a", store)
	require.NoError(t, b.Bootstrap(ctx, other))

	assert.Equal(t, 2, b.Map().Len(), "the first stored map wins")
	assert.Len(t, b.Replicas(), 2)

	c := newTestManager(t, "c", NewMemoryMapStore())
	assert.ErrorIs(t, c.Bootstrap(ctx, nil), ErrNoMap)
}

func TestManager_PutGetDelete(t *testing.T) {
	m := singleNode(t, 4)
	rng := testutil.NewRNG(1)
	data := putRandom(t, m, rng, 50)

	assert.Equal(t, 50, totalVectors(m))
	assertKeysInRange(t, m)

	for id, v := range data {
		rec, ok := m.Get(id, nil)
		require.True(t, ok, id)
		assert.Equal(t, v, rec.Vector)
		assert.Equal(t, uint64(1), rec.Version)
	}

	_, err := m.Delete("v0", nil)
	require.NoError(t, err)
	_, ok := m.Get("v0", nil)
	assert.False(t, ok)
	_, err = m.Delete("v0", nil)
	assert.ErrorIs(t, err, ErrVectorNotFound)

	// Nearest over all shards equals brute force.
	delete(data, "v0")
	var items []testutil.Item
	for id, v := range data {
		items = append(items, testutil.Item{ID: id, Vector: v})
	}
	q := rng.UniformRangeVectors(1, testDim)[0]
	res, err := m.Nearest(q, 5, vector.Euclidean, nil, nil)
	require.NoError(t, err)
	want := testutil.ExactTopK(q, items, 5, vector.Euclidean)
	require.Len(t, res, 5)
	for i := range want {
		assert.Equal(t, want[i].ID, res[i].ID)
	}
}

func TestManager_PutNotOwner(t *testing.T) {
	initial, err := NewEvenMap(2, []NodeID{"a", "b"}, 1)
	require.NoError(t, err)
	c := newTestCluster(t, initial, Config{}, nil)

	rng := testutil.NewRNG(2)
	for _, v := range rng.UniformRangeVectors(20, testDim) {
		r, key, err := c.nodes["a"].Route(v)
		require.NoError(t, err)
		_, _, err = c.nodes["a"].Put("x", key, 0, v, nil)
		if r.Owner == "a" {
			assert.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrNotOwner)
		}
	}
}

func TestManager_ApplyDelta(t *testing.T) {
	initial, err := NewEvenMap(1, []NodeID{"a", "b"}, 2)
	require.NoError(t, err)
	obs := event.NewBasicObserver(0)
	c := newTestCluster(t, initial, Config{}, map[NodeID][]Option{"b": {WithObserver(obs)}})
	a, b := c.nodes["a"], c.nodes["b"]

	data := c.putRouted(testutil.NewRNG(3), 10, noShard)
	src, _ := a.Local(0)
	d, _ := src.Centroid().DeltaSince("a", 0)

	n, err := b.ApplyDelta(d)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = b.ApplyDelta(d)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-delivery is a no-op")
	assert.Equal(t, int64(1), obs.Count(event.KindMergeApplied))

	dst, _ := b.Local(0)
	assert.True(t, dst.Centroid().Equal(src.Centroid()))
	assert.Equal(t, src.Centroid().Sum(), dst.Centroid().Sum())
	for id := range data {
		_, ok := dst.Get(id)
		assert.True(t, ok)
	}
	// Replicas serve no client reads.
	_, ok := b.Get("v0", nil)
	assert.False(t, ok)

	// Same dot, different payload.
	bad := d.Mutations[0]
	bad.Vector = vector.Vector{9, 9, 9, 9}
	_, err = b.ApplyDelta(crdt.NewDelta("a", testDim, []crdt.Mutation{bad}))
	assert.True(t, crdt.IsConflict(err))
	assert.Equal(t, int64(1), obs.Count(event.KindInvariantViolation))

	// Corrupt partial sum.
	d.Count++
	_, err = b.ApplyDelta(d)
	assert.ErrorIs(t, err, crdt.ErrCorruptDelta)
}

func TestManager_SplitMerge(t *testing.T) {
	ctx := context.Background()
	m := singleNode(t, 1)
	putRandom(t, m, testutil.NewRNG(4), 200)
	before, _ := m.Local(0)
	sum := before.Centroid().Sum()

	at, ok := splitPoint(before)
	require.True(t, ok)
	mig, err := m.Split(ctx, 0, at)
	require.NoError(t, err)
	assert.Equal(t, StateStable, mig.State)
	assert.True(t, mig.Done())

	require.Len(t, m.Replicas(), 2)
	assert.Equal(t, 200, totalVectors(m))
	assertKeysInRange(t, m)
	left, _ := m.Local(0)
	right, _ := m.Local(1)
	assert.InDelta(t, 100, left.Len(), 1)
	assert.Equal(t, int64(200), left.Centroid().Count()+right.Centroid().Count())

	// Writes to the retired replica are refused.
	_, err = before.Put(m.Clock(), "late", at, 0, vector.Zero(testDim), nil)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = m.MergeRight(ctx, 0)
	require.NoError(t, err)
	require.Len(t, m.Replicas(), 1)
	merged, _ := m.Local(0)
	assert.Equal(t, 200, merged.Len())
	assert.True(t, merged.Centroid().Equal(before.Centroid()))
	got := merged.Centroid().Sum()
	for i := range sum {
		assert.InDelta(t, sum[i], got[i], 1e-4)
	}

	_, err = m.MergeRight(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidMap)
	assert.Len(t, m.Migrations(), 3)
}

func TestManager_Rebalance(t *testing.T) {
	ctx := context.Background()
	m := singleNode(t, 2)
	putRandom(t, m, testutil.NewRNG(5), 120)

	mp, err := m.Rebalance(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, mp.Len())
	assert.Equal(t, 120, totalVectors(m))
	assertKeysInRange(t, m)

	mp, err = m.Rebalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, mp.Len())
	assert.Equal(t, 120, totalVectors(m))

	_, err = m.Rebalance(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidMap)
}

func TestManager_RebalanceRemoteRanges(t *testing.T) {
	initial, err := NewEvenMap(2, []NodeID{"a", "b"}, 1)
	require.NoError(t, err)
	c := newTestCluster(t, initial, Config{}, nil)

	_, err = c.nodes["a"].Rebalance(context.Background(), 1)
	assert.ErrorIs(t, err, ErrRebalanceIncomplete)
}

func TestManager_Overloaded(t *testing.T) {
	m := singleNode(t, 2)
	putRandom(t, m, testutil.NewRNG(6), 40)

	loads := m.Loads()
	require.Len(t, loads, 2)
	assert.Equal(t, 40, loads[0].Vectors+loads[1].Vectors)

	assert.Len(t, m.Overloaded(1, 0), 2)
	assert.Empty(t, m.Overloaded(1000, 0))
	assert.Empty(t, m.Overloaded(0, 0))
}

func TestManager_CheckpointRestore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMapStore()
	blobs := blobstore.NewMemoryStore()
	initial, err := NewEvenMap(2, []NodeID{"a"}, 1)
	require.NoError(t, err)

	a := newTestManager(t, "a", store)
	require.NoError(t, a.Bootstrap(ctx, initial))
	data := putRandom(t, a, testutil.NewRNG(7), 30)

	n, err := a.Checkpoint(ctx, blobs, "replicas")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, blobs.Put(ctx, "replicas/stale", []byte("x")))
	_, err = a.Checkpoint(ctx, blobs, "replicas")
	require.NoError(t, err)
	ok, err := blobs.Exists(ctx, "replicas/stale")
	require.NoError(t, err)
	assert.False(t, ok)

	restarted := newTestManager(t, "a", store)
	n, err = restarted.Restore(ctx, blobs, "replicas")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, restarted.Bootstrap(ctx, nil))

	assert.GreaterOrEqual(t, restarted.Clock().Current(), a.Clock().Current())
	for id, v := range data {
		rec, ok := restarted.Get(id, nil)
		require.True(t, ok, id)
		assert.Equal(t, v, rec.Vector)
	}

	// New writes after a restart never reuse a dot.
	_, key, err := restarted.Route(data["v1"])
	require.NoError(t, err)
	_, muts, err := restarted.Put("v1", key, 0, data["v1"], nil)
	require.NoError(t, err)
	assert.Greater(t, muts[len(muts)-1].Dot.Counter, a.Clock().Current())
}
