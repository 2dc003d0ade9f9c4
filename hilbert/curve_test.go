package hilbert

import (
	"bytes"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/hupe1980/vecmesh/event"
	"github.com/hupe1980/vecmesh/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranspose_Bijective(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4} {
		for _, b := range []int{1, 2, 3} {
			total := uint64(1) << (n * b)
			seen := make(map[[4]uint64]bool, total)
			for idx := uint64(0); idx < total; idx++ {
				p := indexToAxes(idx, n, b)
				var k [4]uint64
				copy(k[:], p)
				require.False(t, seen[k], "n=%d b=%d idx=%d revisits a cell", n, b, idx)
				seen[k] = true
				require.Equal(t, idx, axesToIndex(p, b))
			}
		}
	}
}

func TestTranspose_Adjacency(t *testing.T) {
	// Consecutive indices are unit steps along exactly one axis.
	for _, n := range []int{2, 3} {
		b := 4
		prev := indexToAxes(0, n, b)
		for idx := uint64(1); idx < uint64(1)<<(n*b); idx++ {
			cur := indexToAxes(idx, n, b)
			var dist uint64
			for i := range cur {
				if cur[i] > prev[i] {
					dist += cur[i] - prev[i]
				} else {
					dist += prev[i] - cur[i]
				}
			}
			require.Equal(t, uint64(1), dist, "n=%d idx=%d", n, idx)
			prev = cur
		}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrInvalidDimension)

	_, err = New(4, WithBitsPerAxis(33))
	assert.ErrorIs(t, err, ErrInvalidBits)

	_, err = New(4, WithBounds(1, 1))
	assert.ErrorIs(t, err, ErrInvalidBounds)

	c, err := New(8)
	require.NoError(t, err)
	assert.Equal(t, DefaultBitsPerAxis, c.BitsPerAxis())
	assert.Equal(t, 7, c.Order())
}

func TestEncode_Deterministic(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		v := randomVector(rng, 8)
		k1, err := c.Encode(v)
		require.NoError(t, err)
		k2, err := c.Encode(v.Clone())
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
		assert.Less(t, k1, KeySpace)
	}
}

func TestEncode_DimensionMismatch(t *testing.T) {
	c, err := New(4)
	require.NoError(t, err)

	_, err = c.Encode(vector.Vector{1, 2})
	var dm *vector.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
}

func TestDecode_ContainsEncoded(t *testing.T) {
	cases := []struct {
		dim  int
		bits int
	}{
		{2, 16},
		{8, 16},
		{3, 4},
		{1, 32},
		{70, 16},
	}
	rng := rand.New(rand.NewSource(5))
	for _, tc := range cases {
		c, err := New(tc.dim, WithBitsPerAxis(tc.bits))
		require.NoError(t, err)
		for i := 0; i < 200; i++ {
			v := randomVector(rng, tc.dim)
			key, err := c.Encode(v)
			require.NoError(t, err)
			assert.True(t, c.Decode(key).Contains(v), "dim=%d bits=%d v=%v", tc.dim, tc.bits, v)
		}
		for _, x := range []float32{-1, 0, 0.5, 1} {
			v := make(vector.Vector, tc.dim)
			for i := range v {
				v[i] = x
			}
			key, err := c.Encode(v)
			require.NoError(t, err)
			assert.True(t, c.Decode(key).Contains(v))
		}
	}
}

func TestEncode_Locality(t *testing.T) {
	c, err := New(2, WithBitsPerAxis(8))
	require.NoError(t, err)

	a, _ := c.Encode(vector.Vector{-0.9, -0.9})
	b, _ := c.Encode(vector.Vector{-0.89, -0.9})
	far, _ := c.Encode(vector.Vector{0.9, 0.9})

	diff := func(x, y uint64) uint64 {
		if x > y {
			return x - y
		}
		return y - x
	}
	assert.Less(t, diff(a, b), diff(a, far))
}

func TestEncode_ClampsAndReports(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := event.NewBasicObserver(0)

	c, err := New(2, WithLogger(logger), WithObserver(obs))
	require.NoError(t, err)

	over := vector.Vector{5, -7}
	key, err := c.Encode(over)
	require.NoError(t, err)

	edge, err := c.Encode(vector.Vector{1, -1})
	require.NoError(t, err)
	assert.Equal(t, edge, key)

	nan, err := c.Encode(vector.Vector{float32(math.NaN()), 0})
	require.NoError(t, err)
	low, err := c.Encode(vector.Vector{-1, 0})
	require.NoError(t, err)
	assert.Equal(t, low, nan)

	assert.Equal(t, int64(2), c.Clamps())
	assert.Equal(t, int64(2), obs.Count(event.KindBoundaryClamp))
	assert.Equal(t, 2, obs.Filter(event.KindBoundaryClamp)[0].Count)
	assert.Contains(t, buf.String(), "hilbert boundary clamp")

	assert.True(t, c.Decode(key).Contains(c.Clamp(over)))
}

func TestDecode_IgnoredAxesSpanBounds(t *testing.T) {
	c, err := New(64, WithBounds(-2, 2))
	require.NoError(t, err)

	v := make(vector.Vector, 64)
	key, err := c.Encode(v)
	require.NoError(t, err)
	r := c.Decode(key)
	assert.Equal(t, float32(-2), r.Min[63])
	assert.Equal(t, float32(2), r.Max[63])
}

func randomVector(rng *rand.Rand, dim int) vector.Vector {
	v := make(vector.Vector, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}
