package shard

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/vecmesh/crdt"
	"github.com/hupe1980/vecmesh/vector"
)

var generations atomic.Uint64

// errRetired is returned by a replica that a map change replaced.
var errRetired = errors.New("shard: replica retired")

// Result is one nearest-neighbor hit.
type Result struct {
	ID       string            `json:"id"`
	Distance float32           `json:"distance"`
	Version  uint64            `json:"version"`
	Shard    ID                `json:"shard"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Compare orders results by distance, then id.
func (r Result) Compare(o Result) int {
	if c := cmp.Compare(r.Distance, o.Distance); c != 0 {
		return c
	}
	return cmp.Compare(r.ID, o.ID)
}

// Record is one version of a vector.
type Record struct {
	ID       string            `json:"id"`
	Version  uint64            `json:"version"`
	Vector   vector.Vector     `json:"vector"`
	Shard    ID                `json:"shard"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Live is false for versions a later put or a delete retracted.
	Live bool `json:"live"`
}

func record(m crdt.Mutation, shard ID, live bool) Record {
	return Record{
		ID:       m.VectorID,
		Version:  m.Version,
		Vector:   m.Vector.Clone(),
		Shard:    shard,
		Metadata: maps.Clone(m.Metadata),
		Live:     live,
	}
}

// Replica is a node's copy of one shard: its centroid, mutation log and
// an index from vector id to live inserts. All mutations of a replica are
// serialized by its exclusive section; replicas of different shards
// mutate in parallel.
type Replica struct {
	shard    ID
	rng      atomic.Pointer[Range]
	gen      uint64
	centroid *crdt.Centroid
	now      func() time.Time

	mu      sync.Mutex // exclusive section; held while owner or retired change
	owner   atomic.Bool
	retired atomic.Bool
	fenced  atomic.Bool // ownership in doubt after an unsettled migration

	imu      sync.RWMutex
	live     map[string][]crdt.Mutation
	versions map[string]uint64
	history  map[string][]crdt.Mutation // every applied insert

	load loadTracker
}

func newReplica(rng Range, c *crdt.Centroid, owner bool, now func() time.Time) *Replica {
	r := &Replica{
		shard:    rng.ID,
		gen:      generations.Add(1),
		centroid: c,
		now:      now,
		live:     make(map[string][]crdt.Mutation),
		versions: make(map[string]uint64),
		history:  make(map[string][]crdt.Mutation),
	}
	r.setRange(rng)
	r.owner.Store(owner)
	for _, m := range c.Mutations() {
		if m.Op == crdt.OpInsert {
			r.versions[m.VectorID] = max(r.versions[m.VectorID], m.Version)
			r.history[m.VectorID] = append(r.history[m.VectorID], m)
		}
	}
	for _, m := range c.LiveInserts() {
		r.live[m.VectorID] = append(r.live[m.VectorID], m)
	}
	return r
}

// Range returns the replica's current range. Bounds never change for a
// replica; owner and replica set follow the shard map.
func (r *Replica) Range() Range { return r.rng.Load().clone() }

func (r *Replica) setRange(rng Range) {
	rng = rng.clone()
	r.rng.Store(&rng)
}

// Shard returns the shard id.
func (r *Replica) Shard() ID { return r.shard }

// Generation distinguishes successive replicas of the same shard id. Log
// positions are only comparable within one generation.
func (r *Replica) Generation() uint64 { return r.gen }

// Centroid returns the replica's centroid.
func (r *Replica) Centroid() *crdt.Centroid { return r.centroid }

// IsOwner reports whether this replica accepts client writes.
func (r *Replica) IsOwner() bool {
	return r.owner.Load() && !r.retired.Load() && !r.fenced.Load()
}

func (r *Replica) setOwner(owner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner.Store(owner)
	r.fenced.Store(false)
}

func (r *Replica) retire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired.Store(true)
	r.owner.Store(false)
}

// Put stores v with metadata md as the next version of id, at least
// minVersion. Live older versions are retracted in the same exclusive
// section. It returns the retractions followed by the insert.
func (r *Replica) Put(clock *crdt.Clock, id string, key, minVersion uint64, v vector.Vector, md map[string]string) ([]crdt.Mutation, error) {
	if len(v) != r.centroid.Dim() {
		return nil, &vector.ErrDimensionMismatch{Expected: r.centroid.Dim(), Actual: len(v)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.IsOwner() {
		return nil, fmt.Errorf("%w: shard %d", ErrNotOwner, r.shard)
	}

	muts, err := r.retractLocked(clock, id)
	if err != nil {
		return nil, err
	}

	r.imu.RLock()
	version := max(r.versions[id]+1, minVersion)
	r.imu.RUnlock()

	m, err := r.centroid.Insert(clock, id, version, key, v, md)
	if err != nil {
		return nil, err
	}
	r.index(m)
	return append(muts, m), nil
}

// Delete retracts every live version of id.
func (r *Replica) Delete(clock *crdt.Clock, id string) ([]crdt.Mutation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.IsOwner() {
		return nil, fmt.Errorf("%w: shard %d", ErrNotOwner, r.shard)
	}

	muts, err := r.retractLocked(clock, id)
	if err != nil {
		return nil, err
	}
	if len(muts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrVectorNotFound, id)
	}
	return muts, nil
}

func (r *Replica) retractLocked(clock *crdt.Clock, id string) ([]crdt.Mutation, error) {
	r.imu.RLock()
	targets := slices.Clone(r.live[id])
	r.imu.RUnlock()

	var out []crdt.Mutation
	for _, ins := range targets {
		m, err := r.centroid.Delete(clock, ins.Dot)
		if err != nil {
			return out, err
		}
		r.index(m)
		out = append(out, m)
	}
	return out, nil
}

// Apply merges a replicated delta and returns the newly applied mutations.
func (r *Replica) Apply(d crdt.Delta) ([]crdt.Mutation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired.Load() {
		return nil, errRetired
	}

	fresh, err := r.centroid.Apply(d)
	if err != nil {
		return nil, err
	}
	for _, m := range fresh {
		r.index(m)
	}
	return fresh, nil
}

func (r *Replica) index(m crdt.Mutation) {
	r.imu.Lock()
	defer r.imu.Unlock()

	switch m.Op {
	case crdt.OpInsert:
		r.versions[m.VectorID] = max(r.versions[m.VectorID], m.Version)
		r.history[m.VectorID] = append(r.history[m.VectorID], m)
		if _, ok := r.centroid.Live(m.Dot); ok {
			r.live[m.VectorID] = append(r.live[m.VectorID], m)
		}
	case crdt.OpDelete:
		rest := slices.DeleteFunc(r.live[m.VectorID], func(x crdt.Mutation) bool { return x.Dot == m.Target })
		if len(rest) == 0 {
			delete(r.live, m.VectorID)
		} else {
			r.live[m.VectorID] = rest
		}
	}
}

func byVersion(a, b crdt.Mutation) int {
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return a.Dot.Compare(b.Dot)
}

func latest(ms []crdt.Mutation) crdt.Mutation {
	return slices.MaxFunc(ms, byVersion)
}

// Get returns the latest live version of id.
func (r *Replica) Get(id string) (Record, bool) {
	r.imu.RLock()
	defer r.imu.RUnlock()

	ms := r.live[id]
	if len(ms) == 0 {
		return Record{}, false
	}
	return record(latest(ms), r.shard, true), true
}

// History returns every version of id this replica has applied, live or
// retracted, oldest first.
func (r *Replica) History(id string) []Record {
	r.imu.RLock()
	ms := slices.Clone(r.history[id])
	r.imu.RUnlock()

	slices.SortFunc(ms, byVersion)
	out := make([]Record, 0, len(ms))
	for _, m := range ms {
		_, live := r.centroid.Live(m.Dot)
		out = append(out, record(m, r.shard, live))
	}
	return out
}

// Len returns the number of live vector ids.
func (r *Replica) Len() int {
	r.imu.RLock()
	defer r.imu.RUnlock()
	return len(r.live)
}

// Keys returns the Hilbert keys of the latest live versions, sorted.
func (r *Replica) Keys() []uint64 {
	r.imu.RLock()
	keys := make([]uint64, 0, len(r.live))
	for _, ms := range r.live {
		keys = append(keys, latest(ms).Key)
	}
	r.imu.RUnlock()

	slices.Sort(keys)
	return keys
}

// Nearest returns up to k live vectors closest to q, ordered by
// (distance, id). If after is non-nil only results ordered strictly after
// it are considered.
func (r *Replica) Nearest(q vector.Vector, k int, metric vector.Metric, after *Result) ([]Result, error) {
	r.load.observe(r.now())

	r.imu.RLock()
	cands := make([]crdt.Mutation, 0, len(r.live))
	for _, ms := range r.live {
		cands = append(cands, latest(ms))
	}
	r.imu.RUnlock()

	out := make([]Result, 0, min(k, len(cands)))
	for _, m := range cands {
		d, err := vector.Distance(q, m.Vector, metric)
		if err != nil {
			return nil, err
		}
		res := Result{ID: m.VectorID, Distance: d, Version: m.Version, Shard: r.shard, Metadata: maps.Clone(m.Metadata)}
		if after != nil && res.Compare(*after) <= 0 {
			continue
		}
		out = append(out, res)
	}
	slices.SortFunc(out, Result.Compare)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Load returns the replica's load figures.
func (r *Replica) Load() Load {
	rate, queries := r.load.snapshot(r.now())
	return Load{
		Shard:     r.shard,
		Owner:     r.Range().Owner,
		Vectors:   r.Len(),
		Mutations: r.centroid.Len(),
		Queries:   queries,
		QueryRate: rate,
	}
}
