package crdt

import (
	"maps"
	"slices"
	"sort"
)

// Context is a causal context: the highest counter seen per replica.
type Context map[ReplicaID]uint64

// Clone returns a copy of c.
func (c Context) Clone() Context {
	if c == nil {
		return Context{}
	}
	return maps.Clone(c)
}

// Observe raises the entry for d.Replica to at least d.Counter.
func (c Context) Observe(d Dot) {
	if d.Counter > c[d.Replica] {
		c[d.Replica] = d.Counter
	}
}

// Join merges o into c (pointwise maximum).
func (c Context) Join(o Context) {
	for r, n := range o {
		if n > c[r] {
			c[r] = n
		}
	}
}

// Dominates reports whether c[r] >= o[r] for every replica r.
func (c Context) Dominates(o Context) bool {
	for r, n := range o {
		if c[r] < n {
			return false
		}
	}
	return true
}

// Replicas returns the replica ids in c, sorted.
func (c Context) Replicas() []ReplicaID {
	ids := slices.Collect(maps.Keys(c))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
