package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dataplayground/storage-engine/backend"
	"github.com/dataplayground/storage-engine/backup"
	"github.com/dataplayground/storage-engine/cache"
	"github.com/dataplayground/storage-engine/config"
	"github.com/dataplayground/storage-engine/notebook"
	"github.com/dataplayground/storage-engine/preferences"
	"github.com/dataplayground/storage-engine/quota"
	"github.com/dataplayground/storage-engine/store"
	"github.com/dataplayground/storage-engine/store/metadb"
)

// Open builds an engine from cfg: the record database under the data
// directory, the payload store unless disabled, every store and the quota
// monitor. Orphaned payloads left by a crash are swept before it returns.
// The engine is not started.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db := metadb.NewBoltDB(metadb.WithLogger(logger))
	if err := db.Open(cfg.DBPath()); err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	cacheOpts := []cache.Option{cache.WithLogger(logger)}
	if cfg.Payloads {
		fs, err := backend.NewFilesystem(cfg.PayloadDir())
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating payload backend: %w", err)
		}
		payloads := store.NewCAFS(backend.NewInstrumentedBackend(fs, "filesystem"))
		cacheOpts = append(cacheOpts, cache.WithPayloads(payloads))
	} else {
		logger.Warn("payload store disabled, cache payload commands are not supported")
	}

	cacheStore, err := cache.New(ctx, db, cfg.Eviction, cacheOpts...)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	if _, err := cacheStore.SweepOrphans(ctx); err != nil {
		logger.Warn("orphan sweep failed", "error", err)
	}

	notebooks := notebook.New(db, notebook.WithLogger(logger))
	prefs := preferences.New(db, preferences.WithLogger(logger))
	hub := NewHub(logger)

	monitor := quota.NewMonitor(Usage(cacheStore, notebooks, prefs),
		quota.WithSource(cfg.QuotaSource()),
		quota.WithThreshold(cfg.Quota.ThresholdPercent),
		quota.WithInterval(cfg.Quota.Interval),
		quota.WithMaintainer(cacheStore),
		quota.WithWarningSink(hub.QuotaWarning),
		quota.WithLogger(logger),
	)

	e := New(Services{
		Cache:       cacheStore,
		Notebooks:   notebooks,
		Preferences: prefs,
		Backup:      backup.New(db, backup.WithLogger(logger)),
		Quota:       monitor,
	},
		WithLogger(logger),
		WithQueueSize(cfg.QueueSize),
		WithHub(hub),
	)
	e.onClose = append(e.onClose, db.Close)
	return e, nil
}

// Usage returns the engine's storage usage: resident cache payload bytes plus
// the stored size of notebooks and preferences.
func Usage(c *cache.Store, notebooks *notebook.Store, prefs *preferences.Store) quota.UsageFunc {
	return func(ctx context.Context) (uint64, error) {
		used := c.ResidentBytes()
		nb, err := notebooks.UsedBytes(ctx)
		if err != nil {
			return 0, err
		}
		pb, err := prefs.UsedBytes(ctx)
		if err != nil {
			return 0, err
		}
		return used + nb + pb, nil
	}
}
