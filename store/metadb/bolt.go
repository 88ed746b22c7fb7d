package metadb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	path   string
	codec  *EnvelopeCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db
	b.path = path

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewEnvelopeCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketRecordIndex, bucketBlobsByHash} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Path returns the database file path.
func (b *BoltDB) Path() string {
	return b.path
}

// FileSize returns the current size of the database file in bytes.
func (b *BoltDB) FileSize(ctx context.Context) (int64, error) {
	var size int64
	err := b.View(ctx, func(tx *Tx) error {
		size = tx.tx.Size()
		return nil
	})
	return size, err
}

// View runs fn in a read-only transaction. All reads see one consistent snapshot.
func (b *BoltDB) View(_ context.Context, fn func(*Tx) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx, db: b})
	})
}

// Update runs fn in a read-write transaction. Either every write made by fn
// is committed or none is.
func (b *BoltDB) Update(_ context.Context, fn func(*Tx) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx, db: b})
	})
}

// Get retrieves the value of a record.
func (b *BoltDB) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var value []byte
	err := b.View(ctx, func(tx *Tx) error {
		v, err := tx.Get(collection, key)
		value = v
		return err
	})
	return value, err
}

// Put creates or replaces a record.
func (b *BoltDB) Put(ctx context.Context, collection, key string, value []byte, opts ...PutOption) error {
	return b.Update(ctx, func(tx *Tx) error {
		return tx.Put(collection, key, value, opts...)
	})
}

// Delete removes a record. Returns ErrNotFound if it does not exist.
func (b *BoltDB) Delete(ctx context.Context, collection, key string) error {
	return b.Update(ctx, func(tx *Tx) error {
		return tx.Delete(collection, key)
	})
}

// List returns every record of a collection in ascending key order.
func (b *BoltDB) List(ctx context.Context, collection string) ([]Record, error) {
	var records []Record
	err := b.View(ctx, func(tx *Tx) error {
		var err error
		records, err = tx.List(collection)
		return err
	})
	return records, err
}

// ListByIndex returns the keys of a collection ordered by an index value.
func (b *BoltDB) ListByIndex(ctx context.Context, collection, index string, desc bool) ([]string, error) {
	var keys []string
	err := b.View(ctx, func(tx *Tx) error {
		var err error
		keys, err = tx.ListByIndex(collection, index, desc)
		return err
	})
	return keys, err
}

// Stats returns the record count and value bytes of a collection.
func (b *BoltDB) Stats(ctx context.Context, collection string) (CollectionStats, error) {
	var stats CollectionStats
	err := b.View(ctx, func(tx *Tx) error {
		var err error
		stats, err = tx.Stats(collection)
		return err
	})
	return stats, err
}

// GetBlob retrieves blob metadata by hash.
func (b *BoltDB) GetBlob(ctx context.Context, hash string) (*BlobEntry, error) {
	var entry *BlobEntry
	err := b.View(ctx, func(tx *Tx) error {
		var err error
		entry, err = tx.GetBlob(hash)
		return err
	})
	return entry, err
}

// DeleteBlob removes an unreferenced blob entry.
func (b *BoltDB) DeleteBlob(ctx context.Context, hash string) error {
	return b.Update(ctx, func(tx *Tx) error {
		return tx.DeleteBlob(hash)
	})
}

// UnreferencedBlobs returns blobs with RefCount == 0.
func (b *BoltDB) UnreferencedBlobs(ctx context.Context, limit int) ([]string, error) {
	var hashes []string
	err := b.View(ctx, func(tx *Tx) error {
		var err error
		hashes, err = tx.UnreferencedBlobs(limit)
		return err
	})
	return hashes, err
}

var _ MetaDB = (*BoltDB)(nil)
