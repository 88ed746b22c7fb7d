package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/backend"
)

// CAFS stores payloads under their BLAKE3 hash on a framed backend. Each blob
// carries a header with its size and sha256 digest, so a blob can be checked
// without the record that references it.
type CAFS struct {
	backend backend.FramedBackend
	now     func() time.Time
}

// CAFSOption configures a CAFS instance.
type CAFSOption func(*CAFS)

// WithNow sets the clock recorded in payload headers.
func WithNow(now func() time.Time) CAFSOption {
	return func(c *CAFS) {
		c.now = now
	}
}

// NewCAFS creates a new content-addressable payload store.
func NewCAFS(b backend.FramedBackend, opts ...CAFSOption) *CAFS {
	c := &CAFS{backend: b, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put stores a payload and returns its address and digest.
func (c *CAFS) Put(ctx context.Context, data []byte) (*PutResult, error) {
	hash := storageengine.HashBytes(data)
	digest := storageengine.ComputeDigest(data)
	key := storageengine.BlobStorageKey(hash)

	exists, err := c.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}

	result := &PutResult{
		Hash:   hash,
		Digest: digest,
		Size:   int64(len(data)),
		Exists: exists,
	}
	if exists {
		return result, nil
	}

	header := &backend.PayloadHeader{
		Size:     int64(len(data)),
		Digest:   digest.String(),
		StoredAt: c.now().UnixMilli(),
	}
	if err := c.backend.WriteFramed(ctx, key, header, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("writing payload: %w", err)
	}

	return result, nil
}

// Get retrieves a payload by its hash.
func (c *CAFS) Get(ctx context.Context, h storageengine.Hash) ([]byte, *backend.PayloadHeader, error) {
	header, rc, err := c.backend.ReadFramed(ctx, storageengine.BlobStorageKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil, backend.ErrNotFound
		}
		return nil, nil, fmt.Errorf("reading payload: %w", err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("reading payload: %w", err)
	}
	return data, header, nil
}

// Has checks if a payload with the given hash exists.
func (c *CAFS) Has(ctx context.Context, h storageengine.Hash) (bool, error) {
	return c.backend.Exists(ctx, storageengine.BlobStorageKey(h))
}

// Delete removes a payload by its hash.
func (c *CAFS) Delete(ctx context.Context, h storageengine.Hash) error {
	return c.backend.Delete(ctx, storageengine.BlobStorageKey(h))
}

// List returns all hashes in the store.
func (c *CAFS) List(ctx context.Context) ([]storageengine.Hash, error) {
	keys, err := c.backend.List(ctx, storageengine.BlobKeyPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	hashes := make([]storageengine.Hash, 0, len(keys))
	for _, key := range keys {
		h, err := keyToHash(key)
		if err != nil {
			// Skip foreign files in the payload directory
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}

// keyToHash extracts a hash from a storage key.
func keyToHash(key string) (storageengine.Hash, error) {
	// Expected format: blobs/xx/xxxxxxxx...
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != storageengine.BlobKeyPrefix() {
		return storageengine.Hash{}, fmt.Errorf("invalid key format: %s", key)
	}
	h, err := storageengine.ParseHash(parts[2])
	if err != nil {
		return storageengine.Hash{}, err
	}
	if parts[1] != parts[2][:2] {
		return storageengine.Hash{}, fmt.Errorf("invalid shard for key: %s", key)
	}
	return h, nil
}

// Compile-time interface check
var _ Store = (*CAFS)(nil)
