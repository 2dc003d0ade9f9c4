package crdt

import (
	"fmt"
	"maps"
	"slices"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	json "github.com/goccy/go-json"
)

// DotSet is an exact set of dots, stored as one roaring bitmap of counters
// per replica. It is not safe for concurrent mutation.
type DotSet struct {
	sets map[ReplicaID]*roaring64.Bitmap
}

// NewDotSet returns an empty set.
func NewDotSet() *DotSet {
	return &DotSet{sets: make(map[ReplicaID]*roaring64.Bitmap)}
}

// Add inserts d.
func (s *DotSet) Add(d Dot) {
	bm, ok := s.sets[d.Replica]
	if !ok {
		bm = roaring64.New()
		s.sets[d.Replica] = bm
	}
	bm.Add(d.Counter)
}

// Contains reports whether d is in the set.
func (s *DotSet) Contains(d Dot) bool {
	bm, ok := s.sets[d.Replica]
	return ok && bm.Contains(d.Counter)
}

// Len returns the number of dots.
func (s *DotSet) Len() uint64 {
	var n uint64
	for _, bm := range s.sets {
		n += bm.GetCardinality()
	}
	return n
}

// Covers reports whether every dot in o is also in s.
func (s *DotSet) Covers(o *DotSet) bool {
	return s.MissingFrom(o) == 0
}

// MissingFrom returns how many dots of o are not in s.
func (s *DotSet) MissingFrom(o *DotSet) uint64 {
	if o == nil {
		return 0
	}
	var missing uint64
	for r, ob := range o.sets {
		sb, ok := s.sets[r]
		if !ok {
			missing += ob.GetCardinality()
			continue
		}
		diff := ob.Clone()
		diff.AndNot(sb)
		missing += diff.GetCardinality()
	}
	return missing
}

// Clone returns a deep copy.
func (s *DotSet) Clone() *DotSet {
	out := NewDotSet()
	for r, bm := range s.sets {
		out.sets[r] = bm.Clone()
	}
	return out
}

// Replicas returns the replica ids with at least one dot, sorted.
func (s *DotSet) Replicas() []ReplicaID {
	ids := slices.Collect(maps.Keys(s.sets))
	slices.Sort(ids)
	return ids
}

// MarshalJSON encodes each replica's bitmap in the portable roaring format.
func (s *DotSet) MarshalJSON() ([]byte, error) {
	raw := make(map[ReplicaID][]byte, len(s.sets))
	for r, bm := range s.sets {
		b, err := bm.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("crdt: encode dots of %s: %w", r, err)
		}
		raw[r] = b
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *DotSet) UnmarshalJSON(data []byte) error {
	var raw map[ReplicaID][]byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.sets = make(map[ReplicaID]*roaring64.Bitmap, len(raw))
	for r, b := range raw {
		bm := roaring64.New()
		if err := bm.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("crdt: decode dots of %s: %w", r, err)
		}
		s.sets[r] = bm
	}
	return nil
}
