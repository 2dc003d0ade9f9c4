package vector

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	a := Vector{1, 2, 3}
	b := Vector{4, 6, 3}

	tests := []struct {
		name   string
		metric Metric
		want   float32
	}{
		{"euclidean", Euclidean, 5},
		{"manhattan", Manhattan, 7},
		{"hamming", Hamming, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Distance(a, b, tt.metric)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}

	t.Run("cosine", func(t *testing.T) {
		d, err := Distance(Vector{1, 0}, Vector{0, 1}, Cosine)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, d, 1e-6)

		d, err = Distance(Vector{1, 1}, Vector{2, 2}, Cosine)
		require.NoError(t, err)
		assert.Equal(t, float32(0), d)
	})
}

func TestDistance_Errors(t *testing.T) {
	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := Distance(Vector{1, 2}, Vector{1, 2, 3}, Euclidean)
		var dm *ErrDimensionMismatch
		require.ErrorAs(t, err, &dm)
		assert.Equal(t, 2, dm.Expected)
		assert.Equal(t, 3, dm.Actual)
	})

	t.Run("cosine zero vector", func(t *testing.T) {
		_, err := Distance(Vector{0, 0}, Vector{1, 0}, Cosine)
		assert.ErrorIs(t, err, ErrDegenerateInput)
	})

	t.Run("hamming on float input", func(t *testing.T) {
		_, err := Distance(Vector{0.5, 1}, Vector{1, 1}, Hamming)
		assert.ErrorIs(t, err, ErrInvalidMetricInput)
	})

	t.Run("unknown metric", func(t *testing.T) {
		_, err := Distance(Vector{1}, Vector{1}, Metric(42))
		assert.ErrorIs(t, err, ErrUnknownMetric)
	})
}

func TestDistance_Symmetry(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		a, b := make(Vector, 16), make(Vector, 16)
		ai, bi := make(Vector, 16), make(Vector, 16)
		for j := range a {
			a[j] = rng.Float32()*2 - 1
			b[j] = rng.Float32()*2 - 1
			ai[j] = float32(rng.Intn(3))
			bi[j] = float32(rng.Intn(3))
		}
		for _, m := range []Metric{Euclidean, Cosine, Manhattan} {
			ab, err := Distance(a, b, m)
			require.NoError(t, err)
			ba, err := Distance(b, a, m)
			require.NoError(t, err)
			assert.Equal(t, ab, ba, m.String())
		}
		ab, err := Distance(ai, bi, Hamming)
		require.NoError(t, err)
		ba, err := Distance(bi, ai, Hamming)
		require.NoError(t, err)
		assert.Equal(t, ab, ba)
	}
}

func TestArithmetic(t *testing.T) {
	sum, err := Add(Vector{1, 2}, Vector{3, 4})
	require.NoError(t, err)
	assert.Equal(t, Vector{4, 6}, sum)

	diff, err := Sub(Vector{1, 2}, Vector{3, 4})
	require.NoError(t, err)
	assert.Equal(t, Vector{-2, -2}, diff)

	assert.Equal(t, Vector{2, 4}, Scale(Vector{1, 2}, 2))

	dot, err := Dot(Vector{1, 2}, Vector{3, 4})
	require.NoError(t, err)
	assert.Equal(t, float32(11), dot)
	assert.InDelta(t, 5.0, Norm(Vector{3, 4}), 1e-6)

	_, err = Add(Vector{1}, Vector{1, 2})
	var dm *ErrDimensionMismatch
	assert.True(t, errors.As(err, &dm))
}

func TestBatch_MatchesElementwise(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	q := make(Vector, 8)
	for i := range q {
		q[i] = rng.Float32()
	}
	xs := make([]Vector, 50)
	for i := range xs {
		xs[i] = make(Vector, 8)
		for j := range xs[i] {
			xs[i][j] = rng.Float32()
		}
	}

	ds, err := BatchDistance(q, xs, Euclidean)
	require.NoError(t, err)
	for i, x := range xs {
		d, err := Distance(q, x, Euclidean)
		require.NoError(t, err)
		assert.Equal(t, d, ds[i])
	}

	added, err := BatchAdd(xs, xs)
	require.NoError(t, err)
	for i, x := range xs {
		want, _ := Add(x, x)
		assert.Equal(t, want, added[i])
	}

	scaled := BatchScale(xs, 0.5)
	for i, x := range xs {
		assert.Equal(t, Scale(x, 0.5), scaled[i])
	}

	_, err = BatchAdd(xs, xs[:3])
	assert.Error(t, err)
}

func TestSum(t *testing.T) {
	s, err := Sum(2, []Vector{{1, 2}, {3, 4}, {-1, -1}})
	require.NoError(t, err)
	assert.Equal(t, Vector{3, 5}, s)

	_, err = Sum(2, []Vector{{1}})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Vector{1, 2}, 2))
	assert.Error(t, Validate(Vector{1}, 2))
	assert.ErrorIs(t, Validate(Vector{float32(math.NaN()), 1}, 2), ErrNonFinite)
	assert.ErrorIs(t, Validate(Vector{float32(math.Inf(1)), 1}, 2), ErrNonFinite)
}

func TestBinary(t *testing.T) {
	a := Quantize(Vector{1, -1, 1, 0, 1, 1, 1, 1, -1})
	b := Quantize(Vector{1, 1, 1, 0, 1, 1, 1, 1, 1})
	require.Len(t, a, 2)

	d, err := HammingBinary(a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, d)

	_, err = HammingBinary(a, b[:1])
	assert.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	for _, m := range []Metric{Euclidean, Cosine, Manhattan, Hamming} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	got, err := ParseMetric("L2")
	require.NoError(t, err)
	assert.Equal(t, Euclidean, got)

	_, err = ParseMetric("dot")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}
