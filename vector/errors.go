package vector

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMetricInput is returned when the input is not valid for the metric,
	// e.g. a non-integer component under Hamming.
	ErrInvalidMetricInput = errors.New("invalid input for metric")

	// ErrDegenerateInput is returned when a metric is undefined for the input,
	// e.g. cosine distance against a zero vector.
	ErrDegenerateInput = errors.New("degenerate input")

	// ErrUnknownMetric is returned for metric values outside the supported set.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrNonFinite is returned by Validate for NaN or infinite components.
	ErrNonFinite = errors.New("non-finite component")
)

// ErrDimensionMismatch indicates that two operands (or an operand and the
// configured dimension) differ in length.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func checkDim(a, b int) error {
	if a != b {
		return &ErrDimensionMismatch{Expected: a, Actual: b}
	}
	return nil
}
