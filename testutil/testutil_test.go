package testutil

import (
	"testing"

	"github.com/hupe1980/vecmesh/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformRangeVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UniformRangeVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))
	for _, vec := range v {
		for _, x := range vec {
			assert.GreaterOrEqual(t, x, float32(-1))
			assert.Less(t, x, float32(1))
		}
	}
}

func TestUnitVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UnitVectors(8, 32)

	for _, vec := range v {
		assert.InDelta(t, 1.0, float64(vector.Norm(vec)), 1e-5)
	}
}

func TestClusteredVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.ClusteredVectors(100, 16, 5, 0.1)

	assert.Equal(t, 100, len(v))
	assert.Equal(t, 16, len(v[0]))
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	v1 := rng.UniformRangeVectors(1, 10)
	rng.Reset()
	v2 := rng.UniformRangeVectors(1, 10)
	assert.Equal(t, v1, v2)
}

func TestExactTopK(t *testing.T) {
	data := []Item{
		{ID: "far", Vector: vector.Vector{5, 5}},
		{ID: "b", Vector: vector.Vector{1, 0}},
		{ID: "a", Vector: vector.Vector{0, 1}},
		{ID: "origin", Vector: vector.Vector{0, 0}},
	}

	got := ExactTopK(vector.Vector{0, 0}, data, 3, vector.Euclidean)
	require.Len(t, got, 3)
	// a and b tie; ids break the tie.
	assert.Equal(t, []string{"origin", "a", "b"}, IDs(got))
}

func TestComputeRecall(t *testing.T) {
	truth := []SearchResult{{ID: "a"}, {ID: "b"}}

	assert.Equal(t, 1.0, ComputeRecall(truth, []SearchResult{{ID: "b"}, {ID: "a"}}))
	assert.Equal(t, 0.5, ComputeRecall(truth, []SearchResult{{ID: "a"}, {ID: "x"}}))
	assert.Equal(t, 1.0, ComputeRecall(nil, nil))
	assert.Equal(t, 0.0, ComputeRecall(truth, nil))
}
