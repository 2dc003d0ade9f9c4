package vecmesh

import (
	"errors"
	"fmt"

	"github.com/hupe1980/vecmesh/shard"
	"github.com/hupe1980/vecmesh/vector"
)

var (
	// ErrNotFound is returned when a vector id is not live on any owner.
	ErrNotFound = errors.New("not found")
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("node closed")
	// ErrNoPersistence is returned by Checkpoint when no blob store is configured.
	ErrNoPersistence = errors.New("no persistence backend configured")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
//
// The original underlying error can be accessed via errors.Unwrap.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	cause    error
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *ErrDimensionMismatch) Unwrap() error { return e.cause }

// ErrInvalidDimension indicates an invalid configured dimension.
type ErrInvalidDimension struct {
	Dimension int
}

func (e *ErrInvalidDimension) Error() string {
	return fmt.Sprintf("invalid dimension: %d", e.Dimension)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, shard.ErrVectorNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var dm *vector.ErrDimensionMismatch
	if errors.As(err, &dm) {
		return &ErrDimensionMismatch{Expected: dm.Expected, Actual: dm.Actual, cause: err}
	}

	return err
}
