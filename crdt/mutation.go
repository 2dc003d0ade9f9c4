package crdt

import (
	"fmt"
	"maps"
	"slices"

	"github.com/hupe1980/vecmesh/vector"
)

// Op is the kind of a mutation.
type Op uint8

const (
	// OpInsert adds a vector: contribution (+v, +1).
	OpInsert Op = iota + 1
	// OpDelete retracts a previously inserted vector: contribution (-v, -1).
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Mutation is one causally tagged change to a centroid.
type Mutation struct {
	Dot      Dot           `json:"dot"`
	Op       Op            `json:"op"`
	VectorID string        `json:"vector_id"`
	Version  uint64        `json:"version"`
	Key      uint64        `json:"key"`
	Vector   vector.Vector `json:"vector"`
	// Metadata is carried by inserts only.
	Metadata map[string]string `json:"metadata,omitempty"`
	// Target is the insert dot a delete retracts.
	Target Dot `json:"target,omitzero"`
}

// Sign returns +1 for inserts and -1 for deletes.
func (m Mutation) Sign() int64 {
	if m.Op == OpDelete {
		return -1
	}
	return 1
}

func (m Mutation) validate(dim int) error {
	if m.Dot.IsZero() {
		return fmt.Errorf("%w: zero dot", ErrInvalidMutation)
	}
	switch m.Op {
	case OpInsert:
	case OpDelete:
		if m.Target.IsZero() {
			return fmt.Errorf("%w: delete %s without target", ErrInvalidMutation, m.Dot)
		}
	default:
		return fmt.Errorf("%w: unknown op %d at %s", ErrInvalidMutation, m.Op, m.Dot)
	}
	if len(m.Vector) != dim {
		return &vector.ErrDimensionMismatch{Expected: dim, Actual: len(m.Vector)}
	}
	return nil
}

// samePayload reports whether m and o describe the same change.
func (m Mutation) samePayload(o Mutation) bool {
	return m.Dot == o.Dot &&
		m.Op == o.Op &&
		m.VectorID == o.VectorID &&
		m.Version == o.Version &&
		m.Key == o.Key &&
		m.Target == o.Target &&
		slices.Equal(m.Vector, o.Vector) &&
		maps.Equal(m.Metadata, o.Metadata)
}

// Delta is a replication increment: the mutations a peer has not yet
// acknowledged, the causal context they cover, and their partial
// contribution to sum and count.
type Delta struct {
	From      ReplicaID     `json:"from"`
	Mutations []Mutation    `json:"mutations"`
	Context   Context       `json:"context"`
	Sum       vector.Vector `json:"sum"`
	Count     int64         `json:"count"`
}

// NewDelta builds a delta from mutations, computing its context and
// partial contribution in canonical order.
func NewDelta(from ReplicaID, dim int, muts []Mutation) Delta {
	d := Delta{From: from, Mutations: muts, Context: Context{}}
	for _, m := range muts {
		d.Context.Observe(m.Dot)
	}
	d.Sum, d.Count = contribution(dim, muts)
	return d
}

// Empty reports whether the delta carries no mutations.
func (d Delta) Empty() bool { return len(d.Mutations) == 0 }

// Verify checks that the partial sum and count match the mutations.
func (d Delta) Verify(dim int) error {
	sum, count := contribution(dim, d.Mutations)
	if count != d.Count {
		return fmt.Errorf("%w: count %d, mutations give %d", ErrCorruptDelta, d.Count, count)
	}
	if len(d.Mutations) > 0 && !slices.Equal(sum, d.Sum) {
		return fmt.Errorf("%w: partial sum does not match mutations", ErrCorruptDelta)
	}
	return nil
}

// contribution folds muts in canonical dot order. Accumulation is float64
// per component, rounded once. Of several deletes retracting the same
// insert only the one with the smallest dot counts.
func contribution(dim int, muts []Mutation) (vector.Vector, int64) {
	ordered := slices.Clone(muts)
	slices.SortFunc(ordered, func(a, b Mutation) int { return a.Dot.Compare(b.Dot) })

	acc := make([]float64, dim)
	var count int64
	retracted := make(map[Dot]struct{})
	for _, m := range ordered {
		if len(m.Vector) != dim {
			continue
		}
		if m.Op == OpDelete {
			if _, dup := retracted[m.Target]; dup {
				continue
			}
			retracted[m.Target] = struct{}{}
		}
		s := float64(m.Sign())
		for i, x := range m.Vector {
			acc[i] += s * float64(x)
		}
		count += m.Sign()
	}
	sum := make(vector.Vector, dim)
	for i, a := range acc {
		sum[i] = float32(a)
	}
	return sum, count
}
