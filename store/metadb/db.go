package metadb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record or blob does not exist.
var ErrNotFound = errors.New("metadb: not found")

// ErrBlobNotRegistered is returned when a record references a blob that was
// never registered with PutBlob.
var ErrBlobNotRegistered = errors.New("metadb: blob not registered")

// MetaDB is the persistent record store used by the engine's stores.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Single-record operations, each in its own transaction
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Put(ctx context.Context, collection, key string, value []byte, opts ...PutOption) error
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection string) ([]Record, error)
	ListByIndex(ctx context.Context, collection, index string, desc bool) ([]string, error)

	// Multi-record transactions
	View(ctx context.Context, fn func(*Tx) error) error
	Update(ctx context.Context, fn func(*Tx) error) error

	// Blob tracking
	GetBlob(ctx context.Context, hash string) (*BlobEntry, error)
	DeleteBlob(ctx context.Context, hash string) error
	UnreferencedBlobs(ctx context.Context, limit int) ([]string, error)
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
