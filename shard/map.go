package shard

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/hupe1980/vecmesh/hilbert"
)

// ID identifies a shard. IDs are never reused within a map's history.
type ID uint32

// NodeID identifies a node.
type NodeID string

// Range is a half-open interval [Low, High) of the key space with its
// owner and replica set.
type Range struct {
	ID       ID       `json:"id"`
	Low      uint64   `json:"low"`
	High     uint64   `json:"high"`
	Owner    NodeID   `json:"owner"`
	Replicas []NodeID `json:"replicas,omitempty"`
}

// Contains reports whether key falls in r.
func (r Range) Contains(key uint64) bool {
	return key >= r.Low && key < r.High
}

// Holders returns the owner followed by the replicas.
func (r Range) Holders() []NodeID {
	return append([]NodeID{r.Owner}, r.Replicas...)
}

// Holds reports whether n is the owner or a replica of r.
func (r Range) Holds(n NodeID) bool {
	return r.Owner == n || slices.Contains(r.Replicas, n)
}

// Peers returns the holders of r other than n.
func (r Range) Peers(n NodeID) []NodeID {
	var out []NodeID
	for _, h := range r.Holders() {
		if h != n {
			out = append(out, h)
		}
	}
	return out
}

// Width returns High - Low.
func (r Range) Width() uint64 { return r.High - r.Low }

func (r Range) clone() Range {
	r.Replicas = slices.Clone(r.Replicas)
	return r
}

func (r Range) String() string {
	return fmt.Sprintf("shard %d [%d, %d) owner=%s", r.ID, r.Low, r.High, r.Owner)
}

// Map is an immutable, versioned shard map. Use the methods to derive new
// maps; never modify Ranges in place.
type Map struct {
	Version uint64  `json:"version"`
	Ranges  []Range `json:"ranges"`
	// NextID is the id the next split assigns.
	NextID ID `json:"next_id"`
}

// NewMap validates ranges and returns a map at version.
func NewMap(version uint64, ranges []Range) (*Map, error) {
	m := &Map{Version: version, Ranges: make([]Range, len(ranges))}
	for i, r := range ranges {
		m.Ranges[i] = r.clone()
		m.NextID = max(m.NextID, r.ID+1)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewEvenMap partitions the key space into n equal ranges assigned round
// robin over nodes, each with up to replicationFactor-1 replicas taken
// from the following nodes.
func NewEvenMap(n int, nodes []NodeID, replicationFactor int) (*Map, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: shard count %d", ErrInvalidMap, n)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidMap)
	}
	replicationFactor = min(max(replicationFactor, 1), len(nodes))

	width := hilbert.KeySpace / uint64(n)
	ranges := make([]Range, n)
	for i := range n {
		r := Range{
			ID:    ID(i),
			Low:   uint64(i) * width,
			High:  uint64(i+1) * width,
			Owner: nodes[i%len(nodes)],
		}
		if i == n-1 {
			r.High = hilbert.KeySpace
		}
		for j := 1; j < replicationFactor; j++ {
			r.Replicas = append(r.Replicas, nodes[(i+j)%len(nodes)])
		}
		ranges[i] = r
	}
	return NewMap(1, ranges)
}

// Validate checks that ranges are sorted, contiguous and cover the whole
// key space, that ids are unique, and that every range has an owner that
// is not also listed as a replica.
func (m *Map) Validate() error {
	if len(m.Ranges) == 0 {
		return fmt.Errorf("%w: no ranges", ErrInvalidMap)
	}
	ids := make(map[ID]struct{}, len(m.Ranges))
	var next uint64
	for i, r := range m.Ranges {
		if r.Low != next {
			return fmt.Errorf("%w: range %d starts at %d, want %d", ErrInvalidMap, i, r.Low, next)
		}
		if r.High <= r.Low || r.High > hilbert.KeySpace {
			return fmt.Errorf("%w: range %d has bounds [%d, %d)", ErrInvalidMap, i, r.Low, r.High)
		}
		if _, dup := ids[r.ID]; dup {
			return fmt.Errorf("%w: duplicate shard id %d", ErrInvalidMap, r.ID)
		}
		ids[r.ID] = struct{}{}
		if r.ID >= m.NextID {
			return fmt.Errorf("%w: shard id %d not below next id %d", ErrInvalidMap, r.ID, m.NextID)
		}
		if r.Owner == "" {
			return fmt.Errorf("%w: shard %d has no owner", ErrInvalidMap, r.ID)
		}
		seen := map[NodeID]bool{r.Owner: true}
		for _, n := range r.Replicas {
			if seen[n] {
				return fmt.Errorf("%w: shard %d lists %s twice", ErrInvalidMap, r.ID, n)
			}
			seen[n] = true
		}
		next = r.High
	}
	if next != hilbert.KeySpace {
		return fmt.Errorf("%w: ranges end at %d", ErrInvalidMap, next)
	}
	return nil
}

// Len returns the number of ranges.
func (m *Map) Len() int { return len(m.Ranges) }

// Lookup returns the range containing key.
func (m *Map) Lookup(key uint64) Range {
	key = min(key, hilbert.KeySpace-1)
	i := sort.Search(len(m.Ranges), func(i int) bool { return m.Ranges[i].High > key })
	return m.Ranges[i].clone()
}

// Get returns the range with id.
func (m *Map) Get(id ID) (Range, bool) {
	i := m.index(id)
	if i < 0 {
		return Range{}, false
	}
	return m.Ranges[i].clone(), true
}

func (m *Map) index(id ID) int {
	return slices.IndexFunc(m.Ranges, func(r Range) bool { return r.ID == id })
}

// Held returns the ranges n owns or replicates.
func (m *Map) Held(n NodeID) []Range {
	var out []Range
	for _, r := range m.Ranges {
		if r.Holds(n) {
			out = append(out, r.clone())
		}
	}
	return out
}

// Owned returns the ranges n owns.
func (m *Map) Owned(n NodeID) []Range {
	var out []Range
	for _, r := range m.Ranges {
		if r.Owner == n {
			out = append(out, r.clone())
		}
	}
	return out
}

// Nodes returns every node named in the map, sorted.
func (m *Map) Nodes() []NodeID {
	seen := make(map[NodeID]struct{})
	for _, r := range m.Ranges {
		for _, n := range r.Holders() {
			seen[n] = struct{}{}
		}
	}
	out := make([]NodeID, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

func (m *Map) derive(ranges []Range, nextID ID) (*Map, error) {
	nm := &Map{Version: m.Version + 1, Ranges: ranges, NextID: nextID}
	if err := nm.Validate(); err != nil {
		return nil, err
	}
	return nm, nil
}

func (m *Map) cloneRanges() []Range {
	out := make([]Range, len(m.Ranges))
	for i, r := range m.Ranges {
		out[i] = r.clone()
	}
	return out
}

// Split divides shard id at key into [Low, key) keeping id and
// [key, High) under a new id with the same owner and replicas.
func (m *Map) Split(id ID, at uint64) (*Map, ID, error) {
	i := m.index(id)
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	r := m.Ranges[i]
	if at <= r.Low || at >= r.High {
		return nil, 0, fmt.Errorf("%w: split point %d outside (%d, %d)", ErrInvalidMap, at, r.Low, r.High)
	}

	ranges := m.cloneRanges()
	right := r.clone()
	right.ID = m.NextID
	right.Low = at
	ranges[i].High = at
	ranges = slices.Insert(ranges, i+1, right)

	nm, err := m.derive(ranges, m.NextID+1)
	return nm, right.ID, err
}

// Merge joins shard id with its right neighbor. Both must have the same
// owner; the merged range keeps id and the union of both replica sets.
func (m *Map) Merge(id ID) (*Map, error) {
	i := m.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	if i+1 >= len(m.Ranges) {
		return nil, fmt.Errorf("%w: shard %d has no right neighbor", ErrInvalidMap, id)
	}
	left, right := m.Ranges[i], m.Ranges[i+1]
	if left.Owner != right.Owner {
		return nil, fmt.Errorf("%w: shards %d and %d have different owners", ErrInvalidMap, left.ID, right.ID)
	}

	ranges := m.cloneRanges()
	ranges[i].High = right.High
	for _, n := range right.Replicas {
		if !slices.Contains(ranges[i].Replicas, n) {
			ranges[i].Replicas = append(ranges[i].Replicas, n)
		}
	}
	ranges = slices.Delete(ranges, i+1, i+2)
	return m.derive(ranges, m.NextID)
}

// Transfer moves ownership of shard id to dest. If dest was a replica it
// leaves the replica set.
func (m *Map) Transfer(id ID, dest NodeID) (*Map, error) {
	i := m.index(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownShard, id)
	}
	ranges := m.cloneRanges()
	ranges[i].Owner = dest
	ranges[i].Replicas = slices.DeleteFunc(ranges[i].Replicas, func(n NodeID) bool { return n == dest })
	return m.derive(ranges, m.NextID)
}

// Neighbor returns the range immediately right of id.
func (m *Map) Neighbor(id ID) (Range, bool) {
	i := m.index(id)
	if i < 0 || i+1 >= len(m.Ranges) {
		return Range{}, false
	}
	return m.Ranges[i+1].clone(), true
}

func (m *Map) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "map v%d:", m.Version)
	for _, r := range m.Ranges {
		fmt.Fprintf(&b, " %d@%s", r.ID, r.Owner)
	}
	return b.String()
}
