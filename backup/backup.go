// Package backup exports and imports everything the engine stores except
// cached payload bytes.
package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/cache"
	"github.com/dataplayground/storage-engine/notebook"
	"github.com/dataplayground/storage-engine/preferences"
	"github.com/dataplayground/storage-engine/store/metadb"
)

// CurrentVersion is the export format version written by Export.
const CurrentVersion = 1

// Data is a point-in-time export. Cache entries carry metadata only.
type Data struct {
	Version       uint32                  `json:"version"`
	ExportedAt    int64                   `json:"exported_at"`
	Notebooks     []*notebook.Notebook    `json:"notebooks"`
	Preferences   preferences.Preferences `json:"preferences"`
	CacheMetadata []*cache.Entry          `json:"cache_metadata"`
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Notebooks    int
	CacheEntries int
}

// Service runs exports and imports against the record store.
type Service struct {
	db     metadb.MetaDB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a backup service.
func New(db metadb.MetaDB, opts ...Option) *Service {
	s := &Service{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "backup")
	return s
}

// Export reads every notebook, the preferences and all cache metadata from
// one consistent snapshot.
func (s *Service) Export(ctx context.Context) (*Data, error) {
	data := &Data{
		Version:    CurrentVersion,
		ExportedAt: s.now().UnixMilli(),
	}
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		var err error
		if data.Notebooks, err = notebook.AllTx(tx); err != nil {
			return fmt.Errorf("reading notebooks: %w", err)
		}
		prefs, err := preferences.GetTx(tx)
		if err != nil {
			return fmt.Errorf("reading preferences: %w", err)
		}
		data.Preferences = *prefs
		skip := func(url string, err error) {
			s.logger.Warn("cache entry left out of export", "url", url, "error", err)
		}
		if data.CacheMetadata, err = cache.EntriesTx(tx, skip); err != nil {
			return fmt.Errorf("reading cache metadata: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, storageengine.Database("exporting data", err)
	}
	if data.CacheMetadata == nil {
		data.CacheMetadata = []*cache.Entry{}
	}

	s.logger.Info("data exported",
		"notebooks", len(data.Notebooks),
		"cache_entries", len(data.CacheMetadata),
	)
	return data, nil
}

// Import upserts the notebooks and preferences of data and registers its
// cache metadata, all in one transaction. Registered cache entries have no
// local payload; entries that already hold one are left untouched.
func (s *Service) Import(ctx context.Context, data *Data) (*ImportResult, error) {
	if data.Version > CurrentVersion {
		return nil, &storageengine.SerializationError{
			Message: fmt.Sprintf("unsupported export version %d (newest supported is %d)", data.Version, CurrentVersion),
		}
	}
	for _, e := range data.CacheMetadata {
		if e == nil || e.URL == "" {
			return nil, &storageengine.SerializationError{Message: "cache metadata entry without url"}
		}
	}

	result := &ImportResult{}
	err := s.db.Update(ctx, func(tx *metadb.Tx) error {
		for _, nb := range data.Notebooks {
			if nb == nil {
				continue
			}
			if nb.ID == "" {
				nb.ID = uuid.NewString()
			}
			if err := notebook.PutTx(tx, nb); err != nil {
				return fmt.Errorf("importing notebook %s: %w", nb.ID, err)
			}
			result.Notebooks++
		}

		prefs := data.Preferences
		if prefs.Theme == "" {
			prefs = preferences.Defaults()
		}
		if err := preferences.PutTx(tx, &prefs); err != nil {
			return fmt.Errorf("importing preferences: %w", err)
		}

		for _, e := range data.CacheMetadata {
			registered, err := cache.RegisterTx(tx, e)
			if err != nil {
				return fmt.Errorf("registering %s: %w", e.URL, err)
			}
			if registered {
				result.CacheEntries++
			}
		}
		return nil
	})
	if err != nil {
		return nil, storageengine.Database("importing data", err)
	}

	s.logger.Info("data imported",
		"notebooks", result.Notebooks,
		"cache_entries", result.CacheEntries,
	)
	return result, nil
}
