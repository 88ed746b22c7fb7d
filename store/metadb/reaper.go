package metadb

import (
	"context"
	"log/slog"
	"time"

	"github.com/dataplayground/storage-engine/telemetry"
)

// BlobDeleter removes the payload bytes of a blob.
// It must return nil when the payload is already gone.
type BlobDeleter func(ctx context.Context, hash string) error

// BlobReaper removes blobs whose reference count has dropped to zero: first
// the payload bytes, then the blob entry. A crash between the two leaves the
// entry in place, so the next cycle retries it.
type BlobReaper struct {
	db        *BoltDB
	deleter   BlobDeleter
	batchSize int
	logger    *slog.Logger
}

// ReaperOption configures a BlobReaper.
type ReaperOption func(*BlobReaper)

// WithReaperBatchSize sets the maximum blobs to process per reap cycle.
func WithReaperBatchSize(n int) ReaperOption {
	return func(r *BlobReaper) {
		r.batchSize = n
	}
}

// WithReaperLogger sets the logger for the reaper.
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *BlobReaper) {
		r.logger = logger
	}
}

// NewBlobReaper creates a new blob reaper with the given options.
// Defaults: batchSize=100.
func NewBlobReaper(db *BoltDB, deleter BlobDeleter, opts ...ReaperOption) *BlobReaper {
	r := &BlobReaper{
		db:        db,
		deleter:   deleter,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReapNow runs reap cycles until no unreferenced blobs remain or a cycle
// makes no progress. Returns the number of blobs removed.
func (r *BlobReaper) ReapNow(ctx context.Context) (int, error) {
	total := 0
	for {
		deleted, pending, err := r.reapBatch(ctx)
		total += deleted
		if err != nil {
			return total, err
		}
		if pending == 0 || deleted == 0 {
			return total, nil
		}
	}
}

// reapBatch processes one batch of unreferenced blobs.
func (r *BlobReaper) reapBatch(ctx context.Context) (deleted, pending int, err error) {
	start := time.Now()
	defer func() {
		telemetry.RecordReaperCycle(ctx, "blobs", deleted, time.Since(start))
	}()

	hashes, err := r.db.UnreferencedBlobs(ctx, r.batchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(hashes) == 0 {
		return 0, 0, nil
	}

	r.logger.Debug("reaping unreferenced blobs", "count", len(hashes))

	for _, hash := range hashes {
		if err := r.deleter(ctx, hash); err != nil {
			r.logger.Warn("failed to delete blob payload", "hash", hash, "error", err)
			continue
		}
		if err := r.db.DeleteBlob(ctx, hash); err != nil {
			r.logger.Warn("failed to delete blob entry", "hash", hash, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		r.logger.Info("unreferenced blobs reaped", "deleted", deleted, "total", len(hashes))
	}
	return deleted, len(hashes), nil
}
