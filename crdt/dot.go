package crdt

import (
	"cmp"
	"fmt"
	"sync/atomic"
)

// ReplicaID identifies a replica (one per node).
type ReplicaID string

// Dot uniquely identifies a mutation: the replica that issued it and the
// replica-local counter value.
type Dot struct {
	Replica ReplicaID `json:"replica"`
	Counter uint64    `json:"counter"`
}

// IsZero reports whether d is the zero dot. Counters start at 1.
func (d Dot) IsZero() bool { return d.Counter == 0 }

// Compare orders dots by replica, then counter.
func (d Dot) Compare(o Dot) int {
	if c := cmp.Compare(d.Replica, o.Replica); c != 0 {
		return c
	}
	return cmp.Compare(d.Counter, o.Counter)
}

func (d Dot) String() string { return fmt.Sprintf("%s:%d", d.Replica, d.Counter) }

// Clock issues dots for one replica. A node uses a single Clock for all of
// its centroids so dots stay unique when shards split or merge.
type Clock struct {
	id      ReplicaID
	counter atomic.Uint64
}

// NewClock creates a Clock for replica id.
func NewClock(id ReplicaID) *Clock {
	return &Clock{id: id}
}

// ID returns the replica id.
func (c *Clock) ID() ReplicaID { return c.id }

// Next returns a fresh dot.
func (c *Clock) Next() Dot {
	return Dot{Replica: c.id, Counter: c.counter.Add(1)}
}

// Current returns the last issued counter.
func (c *Clock) Current() uint64 { return c.counter.Load() }

// Witness advances the clock to at least counter. Used when restoring
// state that contains dots issued by this replica before a restart.
func (c *Clock) Witness(counter uint64) {
	for {
		cur := c.counter.Load()
		if cur >= counter || c.counter.CompareAndSwap(cur, counter) {
			return
		}
	}
}
