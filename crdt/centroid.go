package crdt

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/hupe1980/vecmesh/vector"
)

// Centroid is the replicated (sum, count, causal context) aggregate of one
// shard, together with the mutation log it is derived from. It is safe for
// concurrent use.
type Centroid struct {
	mu sync.RWMutex

	dim     int
	log     []Mutation // local apply order
	pos     map[Dot]int
	applied *DotSet
	deleted *DotSet // insert dots retracted by an applied delete
	ctx     Context

	sum   vector.Vector
	count int64
	dirty bool
}

// New returns an empty centroid for vectors of dimension dim.
func New(dim int) *Centroid {
	return &Centroid{
		dim:     dim,
		pos:     make(map[Dot]int),
		applied: NewDotSet(),
		deleted: NewDotSet(),
		ctx:     Context{},
		sum:     vector.Zero(dim),
	}
}

// Dim returns the vector dimension.
func (c *Centroid) Dim() int { return c.dim }

// Insert records a local insert of v and its metadata md under a fresh
// dot from clock.
func (c *Centroid) Insert(clock *Clock, id string, version, key uint64, v vector.Vector, md map[string]string) (Mutation, error) {
	if len(v) != c.dim {
		return Mutation{}, &vector.ErrDimensionMismatch{Expected: c.dim, Actual: len(v)}
	}
	m := Mutation{
		Dot:      clock.Next(),
		Op:       OpInsert,
		VectorID: id,
		Version:  version,
		Key:      key,
		Vector:   v.Clone(),
		Metadata: maps.Clone(md),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyLocked(m)
	return m, nil
}

// Delete records a local delete retracting the live insert target.
func (c *Centroid) Delete(clock *Clock, target Dot) (Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ins, ok := c.liveLocked(target)
	if !ok {
		return Mutation{}, fmt.Errorf("%w: %s is not a live insert", ErrInvalidMutation, target)
	}
	m := Mutation{
		Dot:      clock.Next(),
		Op:       OpDelete,
		VectorID: ins.VectorID,
		Version:  ins.Version,
		Key:      ins.Key,
		Vector:   ins.Vector,
		Target:   target,
	}
	c.applyLocked(m)
	return m, nil
}

// Apply merges a delta and returns the mutations that were not applied
// before, in delta order. The delta is validated as a whole first; on error
// nothing is applied.
func (c *Centroid) Apply(d Delta) ([]Mutation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[Dot]int, len(d.Mutations))
	for i, m := range d.Mutations {
		if err := m.validate(c.dim); err != nil {
			return nil, err
		}
		if p, ok := c.pos[m.Dot]; ok && !c.log[p].samePayload(m) {
			return nil, fmt.Errorf("%w: dot %s", ErrCausalConflictUnresolved, m.Dot)
		}
		if j, ok := seen[m.Dot]; ok && !d.Mutations[j].samePayload(m) {
			return nil, fmt.Errorf("%w: dot %s repeated in delta", ErrCausalConflictUnresolved, m.Dot)
		}
		seen[m.Dot] = i
	}

	var fresh []Mutation
	for _, m := range d.Mutations {
		if c.applied.Contains(m.Dot) {
			continue
		}
		m.Vector = m.Vector.Clone()
		m.Metadata = maps.Clone(m.Metadata)
		c.applyLocked(m)
		fresh = append(fresh, m)
	}
	return fresh, nil
}

// Join merges the full state of o into c.
func (c *Centroid) Join(o *Centroid) ([]Mutation, error) {
	if c == o {
		return nil, nil
	}
	d, _ := o.DeltaSince("", 0)
	return c.Apply(d)
}

func (c *Centroid) applyLocked(m Mutation) {
	c.pos[m.Dot] = len(c.log)
	c.log = append(c.log, m)
	c.applied.Add(m.Dot)
	c.ctx.Observe(m.Dot)
	if m.Op == OpDelete {
		c.deleted.Add(m.Target)
	}
	c.dirty = true
}

func (c *Centroid) liveLocked(d Dot) (Mutation, bool) {
	p, ok := c.pos[d]
	if !ok || c.log[p].Op != OpInsert || c.deleted.Contains(d) {
		return Mutation{}, false
	}
	return c.log[p], true
}

// Live returns the insert tagged d if it is applied and not retracted.
func (c *Centroid) Live(d Dot) (Mutation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liveLocked(d)
}

// Has reports whether dot d has been applied.
func (c *Centroid) Has(d Dot) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied.Contains(d)
}

// Len returns the length of the mutation log. Log positions are stable and
// serve as replication watermarks.
func (c *Centroid) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.log)
}

// DeltaSince returns the mutations at log positions >= pos as a delta
// from replica from, along with the log length it covers.
func (c *Centroid) DeltaSince(from ReplicaID, pos int) (Delta, int) {
	c.mu.RLock()
	end := len(c.log)
	pos = min(max(pos, 0), end)
	muts := slices.Clone(c.log[pos:end])
	c.mu.RUnlock()

	return NewDelta(from, c.dim, muts), end
}

// DeltaRange returns the mutations at log positions [start, end) as a
// delta from replica from. Positions are clamped to the log.
func (c *Centroid) DeltaRange(from ReplicaID, start, end int) Delta {
	c.mu.RLock()
	end = min(max(end, 0), len(c.log))
	start = min(max(start, 0), end)
	muts := slices.Clone(c.log[start:end])
	c.mu.RUnlock()

	return NewDelta(from, c.dim, muts)
}

// Mutations returns a copy of the mutation log.
func (c *Centroid) Mutations() []Mutation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.log)
}

// LiveInserts returns the applied inserts that have not been retracted,
// in log order.
func (c *Centroid) LiveInserts() []Mutation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Mutation
	for _, m := range c.log {
		if m.Op == OpInsert && !c.deleted.Contains(m.Dot) {
			out = append(out, m)
		}
	}
	return out
}

// Context returns a copy of the causal context.
func (c *Centroid) Context() Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx.Clone()
}

// Dots returns a copy of the applied dot set.
func (c *Centroid) Dots() *DotSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied.Clone()
}

// Covers reports whether every dot in s has been applied to c.
func (c *Centroid) Covers(s *DotSet) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied.Covers(s)
}

// Sum returns the sum of all contributions.
func (c *Centroid) Sum() vector.Vector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
	return c.sum.Clone()
}

// Count returns the net number of inserted vectors. It is transiently
// negative only if a delete was delivered ahead of its insert.
func (c *Centroid) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()
	return c.count
}

// Value returns sum / count.
func (c *Centroid) Value() (vector.Vector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshLocked()

	if c.count <= 0 {
		return nil, ErrEmptyCentroid
	}
	out := make(vector.Vector, c.dim)
	for i, s := range c.sum {
		out[i] = float32(float64(s) / float64(c.count))
	}
	return out, nil
}

func (c *Centroid) refreshLocked() {
	if !c.dirty {
		return
	}
	c.sum, c.count = contribution(c.dim, c.log)
	c.dirty = false
}

// Equal reports whether c and o hold the same mutation set.
func (c *Centroid) Equal(o *Centroid) bool {
	a, b := c.Dots(), o.Dots()
	return a.Len() == b.Len() && a.Covers(b)
}

// IsConflict reports whether err is an invariant violation that must not
// be retried.
func IsConflict(err error) bool {
	return errors.Is(err, ErrCausalConflictUnresolved)
}

// Partition returns a new centroid holding the mutations for which keep
// returns true, in c's log order. Deletes carry the key of the insert they
// retract, so both always land in the same partition.
func (c *Centroid) Partition(keep func(Mutation) bool) *Centroid {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := New(c.dim)
	for _, m := range c.log {
		if keep(m) {
			p.applyLocked(m)
		}
	}
	return p
}
