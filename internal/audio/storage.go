package audio

import (
	"context"
	"errors"
)

// ErrObjectNotFound is returned by Storage.Size for a missing key.
var ErrObjectNotFound = errors.New("audio object not found")

// Storage persists archived recordings under slash separated relative keys.
type Storage interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Write stores data under key so that a partially written object is never
	// visible under the final key.
	Write(ctx context.Context, key string, data []byte) error
	// Size returns the stored size of key, or ErrObjectNotFound.
	Size(ctx context.Context, key string) (int64, error)
	// Remove deletes key. A missing key is not an error.
	Remove(ctx context.Context, key string) error
	// RemoveDirIfEmpty deletes the directory prefix when it holds nothing.
	RemoveDirIfEmpty(ctx context.Context, dir string) error
}
