// Package backend provides the blob storage backend that holds cached payload
// bytes on the local device.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for blob storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing value.
	// A reader never observes a partially written value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FramedBackend extends Backend with self-describing blob files: a small
// header carrying the payload digest is stored in front of the body.
type FramedBackend interface {
	Backend

	// WriteFramed atomically stores header and body at key.
	WriteFramed(ctx context.Context, key string, header *PayloadHeader, body io.Reader) error

	// ReadFramed returns the header and a reader positioned at the body.
	// Returns ErrNotFound if the key does not exist.
	ReadFramed(ctx context.Context, key string) (*PayloadHeader, io.ReadCloser, error)
}
