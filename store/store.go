// Package store provides the content-addressable payload store.
package store

import (
	"context"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/backend"
)

// Store provides content-addressable payload operations.
// Payloads are stored by their BLAKE3 hash, so identical bytes share one blob.
type Store interface {
	// Put stores a payload and returns its address.
	// If the payload already exists (same hash), the blob is not rewritten.
	Put(ctx context.Context, data []byte) (*PutResult, error)

	// Get retrieves a payload and its framing header.
	// Returns backend.ErrNotFound if the hash does not exist.
	Get(ctx context.Context, h storageengine.Hash) ([]byte, *backend.PayloadHeader, error)

	// Has checks if a payload with the given hash exists.
	Has(ctx context.Context, h storageengine.Hash) (bool, error)

	// Delete removes a payload by its hash.
	// Returns nil if the payload does not exist (idempotent).
	Delete(ctx context.Context, h storageengine.Hash) error

	// List returns all hashes in the store.
	// This may be expensive for large stores.
	List(ctx context.Context) ([]storageengine.Hash, error)
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Hash   storageengine.Hash
	Digest storageengine.Digest
	Size   int64
	Exists bool // true if the payload already existed
}
