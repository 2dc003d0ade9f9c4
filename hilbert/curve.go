package hilbert

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/hupe1980/vecmesh/event"
	"github.com/hupe1980/vecmesh/vector"
)

const (
	// KeyBits is the width of the key space.
	KeyBits = 63

	// KeySpace is the exclusive upper bound of every key.
	KeySpace uint64 = 1 << KeyBits

	// DefaultBitsPerAxis is the default quantization resolution.
	DefaultBitsPerAxis = 16
)

var (
	// ErrInvalidDimension is returned for a non-positive dimension.
	ErrInvalidDimension = errors.New("hilbert: dimension must be positive")

	// ErrInvalidBits is returned when bits per axis is outside [1, 32].
	ErrInvalidBits = errors.New("hilbert: bits per axis must be in [1, 32]")

	// ErrInvalidBounds is returned when min >= max or a bound is not finite.
	ErrInvalidBounds = errors.New("hilbert: invalid bounds")
)

// Option configures a Curve.
type Option func(*Curve)

// WithBitsPerAxis sets the quantization resolution B (1..32).
func WithBitsPerAxis(bits int) Option {
	return func(c *Curve) { c.bits = bits }
}

// WithBounds sets the declared coordinate range. Defaults to [-1, 1].
// Coordinates outside the range are clamped.
func WithBounds(lo, hi float32) Option {
	return func(c *Curve) {
		c.lo = lo
		c.hi = hi
	}
}

// WithLogger sets the logger used for boundary events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Curve) { c.logger = l }
}

// WithObserver sets the observer that receives boundary events.
func WithObserver(o event.Observer) Option {
	return func(c *Curve) { c.observer = o }
}

// Curve encodes vectors of a fixed dimension. It is immutable after
// construction and safe for concurrent use.
type Curve struct {
	dim   int
	bits  int
	axes  int
	order int
	lo    float32
	hi    float32
	step  float64
	qmax  float64

	logger   *slog.Logger
	observer event.Observer
	clamps   atomic.Int64
}

// New creates a Curve for vectors of dimension dim.
func New(dim int, opts ...Option) (*Curve, error) {
	c := &Curve{
		dim:  dim,
		bits: DefaultBitsPerAxis,
		lo:   -1,
		hi:   1,
	}
	for _, opt := range opts {
		opt(c)
	}

	if dim <= 0 {
		return nil, ErrInvalidDimension
	}
	if c.bits < 1 || c.bits > 32 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBits, c.bits)
	}
	if !(c.lo < c.hi) || math.IsInf(float64(c.lo), 0) || math.IsInf(float64(c.hi), 0) {
		return nil, fmt.Errorf("%w: [%v, %v]", ErrInvalidBounds, c.lo, c.hi)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	c.axes = min(dim, KeyBits)
	c.order = min(c.bits, KeyBits/c.axes)
	c.qmax = float64(uint64(1)<<c.bits - 1)
	c.step = (float64(c.hi) - float64(c.lo)) / c.qmax
	return c, nil
}

// Dim returns the vector dimension the curve accepts.
func (c *Curve) Dim() int { return c.dim }

// BitsPerAxis returns the quantization resolution.
func (c *Curve) BitsPerAxis() int { return c.bits }

// Order returns the number of bits per axis that contribute to the key.
func (c *Curve) Order() int { return c.order }

// Bounds returns the declared coordinate range.
func (c *Curve) Bounds() (lo, hi float32) { return c.lo, c.hi }

// Clamps returns the number of Encode calls that clamped at least one axis.
func (c *Curve) Clamps() int64 { return c.clamps.Load() }

// Encode returns the key of v. It fails only on a dimension mismatch;
// out-of-range and NaN coordinates are clamped and reported as a boundary
// event.
func (c *Curve) Encode(v vector.Vector) (uint64, error) {
	if len(v) != c.dim {
		return 0, &vector.ErrDimensionMismatch{Expected: c.dim, Actual: len(v)}
	}

	q, clamped := c.quantize(v)
	if clamped > 0 {
		c.clamps.Add(1)
		c.logger.Debug("hilbert boundary clamp", "axes_clamped", clamped, "dimension", c.dim)
		event.Emit(c.observer, event.Event{Kind: event.KindBoundaryClamp, Count: clamped})
	}

	shift := uint(c.bits - c.order)
	point := make([]uint64, c.axes)
	for i := range point {
		point[i] = q[i] >> shift
	}
	idx := axesToIndex(point, c.order)
	return idx << uint(KeyBits-c.axes*c.order), nil
}

// quantize maps every coordinate to [0, 2^B-1] and reports how many were
// clamped.
func (c *Curve) quantize(v vector.Vector) ([]uint64, int) {
	q := make([]uint64, len(v))
	clamped := 0
	for i, x := range v {
		f := float64(x)
		switch {
		case math.IsNaN(f):
			f = float64(c.lo)
			clamped++
		case f < float64(c.lo):
			f = float64(c.lo)
			clamped++
		case f > float64(c.hi):
			f = float64(c.hi)
			clamped++
		}
		r := math.Round((f - float64(c.lo)) / c.step)
		q[i] = uint64(min(max(r, 0), c.qmax))
	}
	return q, clamped
}

// Region is an axis-aligned box in vector space.
type Region struct {
	Min vector.Vector
	Max vector.Vector
}

// Contains reports whether v lies in the region. Coordinates are compared
// as given; use Curve.Clamp first for vectors that may be out of bounds.
func (r Region) Contains(v vector.Vector) bool {
	if len(v) != len(r.Min) {
		return false
	}
	for i, x := range v {
		if !(x >= r.Min[i] && x <= r.Max[i]) {
			return false
		}
	}
	return true
}

// Clamp returns v with every coordinate clamped to the curve bounds, the
// same way Encode treats it (NaN becomes the lower bound).
func (c *Curve) Clamp(v vector.Vector) vector.Vector {
	out := make(vector.Vector, len(v))
	for i, x := range v {
		switch {
		case math.IsNaN(float64(x)) || x < c.lo:
			out[i] = c.lo
		case x > c.hi:
			out[i] = c.hi
		default:
			out[i] = x
		}
	}
	return out
}

// Decode returns the region of the curve cell containing key. Every vector
// whose clamped coordinates encode to key lies within the region.
func (c *Curve) Decode(key uint64) Region {
	idx := (key & (KeySpace - 1)) >> uint(KeyBits-c.axes*c.order)
	point := indexToAxes(idx, c.axes, c.order)
	shift := uint(c.bits - c.order)
	tol := c.step / 1024

	r := Region{Min: make(vector.Vector, c.dim), Max: make(vector.Vector, c.dim)}
	for i := 0; i < c.dim; i++ {
		if i >= c.axes {
			r.Min[i], r.Max[i] = c.lo, c.hi
			continue
		}
		qlo := float64(point[i] << shift)
		qhi := float64((point[i]+1)<<shift) - 1
		lo := float64(c.lo) + (qlo-0.5)*c.step - tol
		hi := float64(c.lo) + (qhi+0.5)*c.step + tol
		r.Min[i] = max(math.Nextafter32(float32(lo), float32(math.Inf(-1))), c.lo)
		r.Max[i] = min(math.Nextafter32(float32(hi), float32(math.Inf(1))), c.hi)
	}
	return r
}
