package blobstore

import (
	"context"
	"errors"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is a named-blob store. Implementations must be safe for concurrent
// use.
type Store interface {
	// Put writes a blob atomically, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the content of a blob or ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// Exists reports whether a blob exists.
	Exists(ctx context.Context, name string) (bool, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// IsNotFound reports whether err signals a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
