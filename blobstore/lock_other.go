//go:build !unix

package blobstore

import "errors"

// ErrLocked is returned when another process holds the directory lock.
var ErrLocked = errors.New("blobstore: directory is locked by another process")

// dirLock is a no-op where flock is unavailable.
type dirLock struct{}

func lockDir(string) (*dirLock, error) { return &dirLock{}, nil }

func (*dirLock) release() error { return nil }
