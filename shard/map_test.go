package shard

import (
	"testing"

	"github.com/hupe1980/vecmesh/hilbert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvenMap(t *testing.T) {
	m, err := NewEvenMap(4, []NodeID{"a", "b", "c"}, 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m.Version)
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, ID(4), m.NextID)
	assert.Equal(t, hilbert.KeySpace, m.Ranges[3].High)

	assert.Equal(t, NodeID("a"), m.Ranges[0].Owner)
	assert.Equal(t, []NodeID{"b"}, m.Ranges[0].Replicas)
	assert.Equal(t, NodeID("a"), m.Ranges[3].Owner)
	assert.Equal(t, []NodeID{"b"}, m.Ranges[3].Replicas)
	assert.Equal(t, []NodeID{"a", "b", "c"}, m.Nodes())

	_, err = NewEvenMap(0, []NodeID{"a"}, 1)
	assert.ErrorIs(t, err, ErrInvalidMap)
	_, err = NewEvenMap(2, nil, 1)
	assert.ErrorIs(t, err, ErrInvalidMap)
}

func TestMap_Validate(t *testing.T) {
	half := hilbert.KeySpace / 2

	tests := []struct {
		name   string
		ranges []Range
	}{
		{"empty", nil},
		{"gap", []Range{{ID: 0, Low: 0, High: half - 1, Owner: "a"}, {ID: 1, Low: half, High: hilbert.KeySpace, Owner: "a"}}},
		{"short", []Range{{ID: 0, Low: 0, High: half, Owner: "a"}}},
		{"empty range", []Range{{ID: 0, Low: 0, High: 0, Owner: "a"}, {ID: 1, Low: 0, High: hilbert.KeySpace, Owner: "a"}}},
		{"duplicate id", []Range{{ID: 0, Low: 0, High: half, Owner: "a"}, {ID: 0, Low: half, High: hilbert.KeySpace, Owner: "a"}}},
		{"no owner", []Range{{ID: 0, Low: 0, High: hilbert.KeySpace}}},
		{"owner is replica", []Range{{ID: 0, Low: 0, High: hilbert.KeySpace, Owner: "a", Replicas: []NodeID{"a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMap(1, tt.ranges)
			assert.ErrorIs(t, err, ErrInvalidMap)
		})
	}

	m, err := NewMap(1, []Range{{ID: 7, Low: 0, High: hilbert.KeySpace, Owner: "a"}})
	require.NoError(t, err)
	assert.Equal(t, ID(8), m.NextID)
}

func TestMap_Lookup(t *testing.T) {
	m, err := NewEvenMap(4, []NodeID{"a"}, 1)
	require.NoError(t, err)

	for _, key := range []uint64{0, 1, m.Ranges[1].Low - 1, m.Ranges[1].Low, m.Ranges[2].Low + 5, hilbert.KeySpace - 1} {
		r := m.Lookup(key)
		assert.True(t, r.Contains(key), "key %d in %s", key, r)
	}
	// Keys past the key space map to the last range.
	assert.Equal(t, ID(3), m.Lookup(^uint64(0)).ID)
}

func TestMap_Split(t *testing.T) {
	m, err := NewEvenMap(2, []NodeID{"a", "b"}, 2)
	require.NoError(t, err)
	r0 := m.Ranges[0]
	at := r0.Low + r0.Width()/3

	next, newID, err := m.Split(0, at)
	require.NoError(t, err)
	assert.Equal(t, ID(2), newID)
	assert.Equal(t, m.Version+1, next.Version)
	assert.Equal(t, ID(3), next.NextID)
	require.Equal(t, 3, next.Len())

	left, _ := next.Get(0)
	right, _ := next.Get(newID)
	assert.Equal(t, at, left.High)
	assert.Equal(t, at, right.Low)
	assert.Equal(t, r0.High, right.High)
	assert.Equal(t, r0.Owner, right.Owner)
	assert.Equal(t, r0.Replicas, right.Replicas)

	// The original map is unchanged.
	assert.Equal(t, 2, m.Len())

	_, _, err = m.Split(0, r0.Low)
	assert.ErrorIs(t, err, ErrInvalidMap)
	_, _, err = m.Split(0, r0.High)
	assert.ErrorIs(t, err, ErrInvalidMap)
	_, _, err = m.Split(9, at)
	assert.ErrorIs(t, err, ErrUnknownShard)
}

func TestMap_Merge(t *testing.T) {
	m, err := NewMap(1, []Range{
		{ID: 0, Low: 0, High: 100, Owner: "a", Replicas: []NodeID{"b"}},
		{ID: 1, Low: 100, High: 200, Owner: "a", Replicas: []NodeID{"c"}},
		{ID: 2, Low: 200, High: hilbert.KeySpace, Owner: "b"},
	})
	require.NoError(t, err)

	next, err := m.Merge(0)
	require.NoError(t, err)
	require.Equal(t, 2, next.Len())
	merged, ok := next.Get(0)
	require.True(t, ok)
	assert.Equal(t, uint64(200), merged.High)
	assert.Equal(t, []NodeID{"b", "c"}, merged.Replicas)
	_, ok = next.Get(1)
	assert.False(t, ok)
	assert.Equal(t, ID(3), next.NextID, "ids are never reused")

	_, err = m.Merge(1)
	assert.ErrorIs(t, err, ErrInvalidMap, "different owners")
	_, err = m.Merge(2)
	assert.ErrorIs(t, err, ErrInvalidMap, "no right neighbor")
}

func TestMap_Transfer(t *testing.T) {
	m, err := NewEvenMap(2, []NodeID{"a", "b"}, 2)
	require.NoError(t, err)

	next, err := m.Transfer(0, "b")
	require.NoError(t, err)
	r, _ := next.Get(0)
	assert.Equal(t, NodeID("b"), r.Owner)
	assert.Empty(t, r.Replicas)
	assert.Equal(t, []NodeID{"b"}, r.Holders())
	assert.False(t, r.Holds("a"))

	next, err = m.Transfer(0, "c")
	require.NoError(t, err)
	r, _ = next.Get(0)
	assert.Equal(t, []NodeID{"c", "b"}, r.Holders())
	assert.Equal(t, []NodeID{"b"}, r.Peers("c"))
}

func TestMap_HeldOwned(t *testing.T) {
	m, err := NewEvenMap(3, []NodeID{"a", "b", "c"}, 2)
	require.NoError(t, err)

	assert.Len(t, m.Owned("a"), 1)
	assert.Len(t, m.Held("a"), 2)

	n, ok := m.Neighbor(0)
	require.True(t, ok)
	assert.Equal(t, ID(1), n.ID)
	_, ok = m.Neighbor(2)
	assert.False(t, ok)
}
