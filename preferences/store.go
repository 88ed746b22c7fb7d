// Package preferences stores the singleton user preference record.
package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/store/metadb"
)

// Collection is the record store collection holding preferences.
const Collection = "preferences"

// Key is the key of the singleton preference record.
const Key = "user"

// Store manages the preference record.
type Store struct {
	db     metadb.MetaDB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a preference store.
func New(db metadb.MetaDB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "preferences")
	return s
}

// Get returns the stored preferences, or the defaults when none are stored.
func (s *Store) Get(ctx context.Context) (*Preferences, error) {
	var prefs *Preferences
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		var err error
		prefs, err = GetTx(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return prefs, nil
}

// Update replaces the stored preferences.
func (s *Store) Update(ctx context.Context, prefs *Preferences) error {
	err := s.db.Update(ctx, func(tx *metadb.Tx) error {
		return PutTx(tx, prefs)
	})
	if err != nil {
		return storageengine.Database("updating preferences", err)
	}
	s.logger.Debug("preferences updated", "theme", prefs.Theme)
	return nil
}

// Clear removes the stored preferences so Get returns the defaults.
func (s *Store) Clear(ctx context.Context) error {
	err := s.db.Delete(ctx, Collection, Key)
	if err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return storageengine.Database("clearing preferences", err)
	}
	s.logger.Debug("preferences cleared")
	return nil
}

// UsedBytes returns the stored size of the preference record.
func (s *Store) UsedBytes(ctx context.Context) (uint64, error) {
	var stats metadb.CollectionStats
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		var err error
		stats, err = tx.Stats(Collection)
		return err
	})
	if err != nil {
		return 0, storageengine.Database("measuring preferences", err)
	}
	return uint64(stats.Bytes), nil //nolint:gosec // sizes are non-negative
}

// GetTx reads the preferences inside an existing transaction, returning the
// defaults when none are stored.
func GetTx(tx *metadb.Tx) (*Preferences, error) {
	data, err := tx.Get(Collection, Key)
	if errors.Is(err, metadb.ErrNotFound) {
		prefs := Defaults()
		return &prefs, nil
	}
	if err != nil {
		return nil, storageengine.Database("reading preferences", err)
	}
	var prefs Preferences
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, &storageengine.SerializationError{Message: "decoding preferences", Err: err}
	}
	return &prefs, nil
}

// PutTx writes the preferences inside an existing transaction.
func PutTx(tx *metadb.Tx, prefs *Preferences) error {
	return metadb.PutJSONTx(tx, Collection, Key, prefs)
}
