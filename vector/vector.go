package vector

import (
	"fmt"
	"math"
	"slices"
)

// Vector is an ordered sequence of float32 components.
// Stored vectors are never mutated; operations return new vectors.
type Vector []float32

// Dim returns the number of components.
func (v Vector) Dim() int { return len(v) }

// Clone returns a copy of v.
func (v Vector) Clone() Vector { return slices.Clone(v) }

// Equal reports whether v and o have identical components.
func (v Vector) Equal(o Vector) bool { return slices.Equal(v, o) }

// Validate checks that v has dimension dim and only finite components.
func Validate(v Vector, dim int) error {
	if err := checkDim(dim, len(v)); err != nil {
		return err
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w at index %d", ErrNonFinite, i)
		}
	}
	return nil
}

// Zero returns the zero vector of the given dimension.
func Zero(dim int) Vector { return make(Vector, dim) }

// Add returns a + b.
func Add(a, b Vector) (Vector, error) {
	if err := checkDim(len(a), len(b)); err != nil {
		return nil, err
	}
	out := make(Vector, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out, nil
}

// Sub returns a - b.
func Sub(a, b Vector) (Vector, error) {
	if err := checkDim(len(a), len(b)); err != nil {
		return nil, err
	}
	out := make(Vector, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out, nil
}

// Scale returns a * factor.
func Scale(a Vector, factor float32) Vector {
	out := make(Vector, len(a))
	for i := range a {
		out[i] = a[i] * factor
	}
	return out
}

// Dot returns the inner product of a and b.
func Dot(a, b Vector) (float32, error) {
	if err := checkDim(len(a), len(b)); err != nil {
		return 0, err
	}
	return float32(dot64(a, b)), nil
}

// Norm returns the L2 norm of a.
func Norm(a Vector) float32 {
	return float32(math.Sqrt(dot64(a, a)))
}

func dot64(a, b Vector) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Distance computes the distance between a and b under m.
func Distance(a, b Vector, m Metric) (float32, error) {
	if err := checkDim(len(a), len(b)); err != nil {
		return 0, err
	}
	switch m {
	case Euclidean:
		var s float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			s += d * d
		}
		return float32(math.Sqrt(s)), nil
	case Manhattan:
		var s float64
		for i := range a {
			s += math.Abs(float64(a[i]) - float64(b[i]))
		}
		return float32(s), nil
	case Cosine:
		na, nb := dot64(a, a), dot64(b, b)
		if na == 0 || nb == 0 {
			return 0, fmt.Errorf("%w: cosine distance of zero vector", ErrDegenerateInput)
		}
		sim := dot64(a, b) / math.Sqrt(na*nb)
		// Clamp rounding noise so identical directions yield exactly 0.
		sim = math.Max(-1, math.Min(1, sim))
		return float32(1 - sim), nil
	case Hamming:
		if !isIntegral(a) || !isIntegral(b) {
			return 0, fmt.Errorf("%w: hamming requires integer-valued components", ErrInvalidMetricInput)
		}
		var n int
		for i := range a {
			if a[i] != b[i] {
				n++
			}
		}
		return float32(n), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownMetric, int(m))
	}
}

func isIntegral(v Vector) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsInf(f, 0) || f != math.Trunc(f) {
			return false
		}
	}
	return true
}
