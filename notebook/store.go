// Package notebook stores notebook documents in the record store.
package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/store/metadb"
)

// Collection is the record store collection holding notebooks.
const Collection = "notebooks"

const indexUpdatedAt = "updated_at"

// CurrentVersion is the notebook format version written for new notebooks.
const CurrentVersion = 1

// Store manages notebook documents.
type Store struct {
	db     metadb.MetaDB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a notebook store.
func New(db metadb.MetaDB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "notebook")
	return s
}

// Save creates or replaces a notebook and returns its new modification time
// in milliseconds. A notebook without an id is assigned one.
func (s *Store) Save(ctx context.Context, nb *Notebook) (int64, error) {
	now := s.now().UnixMilli()
	if nb.ID == "" {
		nb.ID = uuid.NewString()
	}
	if nb.Version == 0 {
		nb.Version = CurrentVersion
	}
	if nb.Metadata.CreatedAt == 0 {
		nb.Metadata.CreatedAt = now
	}
	nb.Metadata.ModifiedAt = now

	err := s.db.Update(ctx, func(tx *metadb.Tx) error {
		return PutTx(tx, nb)
	})
	if err != nil {
		return 0, mapError(fmt.Sprintf("saving notebook %s", nb.ID), nb.ID, err)
	}

	s.logger.Debug("notebook saved", "id", nb.ID, "cells", len(nb.Cells))
	return now, nil
}

// Load returns a notebook by id.
func (s *Store) Load(ctx context.Context, id string) (*Notebook, error) {
	var nb *Notebook
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		var err error
		nb, err = getTx(tx, id)
		return err
	})
	if err != nil {
		return nil, mapError(fmt.Sprintf("loading notebook %s", id), id, err)
	}
	return nb, nil
}

// Delete removes a notebook by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, Collection, id); err != nil {
		return mapError(fmt.Sprintf("deleting notebook %s", id), id, err)
	}
	s.logger.Debug("notebook deleted", "id", id)
	return nil
}

// List returns notebook summaries, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	summaries := []Summary{}
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		ids, err := tx.ListByIndex(Collection, indexUpdatedAt, true)
		if err != nil {
			return err
		}
		for _, id := range ids {
			nb, err := getTx(tx, id)
			if err != nil {
				return fmt.Errorf("reading notebook %s: %w", id, err)
			}
			summaries = append(summaries, nb.Summary())
		}
		return nil
	})
	if err != nil {
		return nil, mapError("listing notebooks", Collection, err)
	}
	return summaries, nil
}

// Export returns a notebook as indented JSON.
func (s *Store) Export(ctx context.Context, id string) (string, error) {
	nb, err := s.Load(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(nb, "", "  ")
	if err != nil {
		return "", &storageengine.SerializationError{Message: "encoding notebook", Err: err}
	}
	return string(data), nil
}

// Import decodes a notebook from JSON and saves it. A notebook without an id
// is assigned one.
func (s *Store) Import(ctx context.Context, data string) (*Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal([]byte(data), &nb); err != nil {
		return nil, &storageengine.SerializationError{Message: "decoding notebook", Err: err}
	}
	if _, err := s.Save(ctx, &nb); err != nil {
		return nil, err
	}
	s.logger.Info("notebook imported", "id", nb.ID)
	return &nb, nil
}

// UsedBytes returns the stored size of all notebooks.
func (s *Store) UsedBytes(ctx context.Context) (uint64, error) {
	var stats metadb.CollectionStats
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		var err error
		stats, err = tx.Stats(Collection)
		return err
	})
	if err != nil {
		return 0, storageengine.Database("measuring notebooks", err)
	}
	return uint64(stats.Bytes), nil //nolint:gosec // sizes are non-negative
}

// AllTx returns every notebook visible to tx, ordered by id.
func AllTx(tx *metadb.Tx) ([]*Notebook, error) {
	notebooks := []*Notebook{}
	err := tx.ForEach(Collection, func(rec *metadb.Record) error {
		var nb Notebook
		if err := json.Unmarshal(rec.Value, &nb); err != nil {
			return &storageengine.SerializationError{Message: "decoding notebook " + rec.Key, Err: err}
		}
		notebooks = append(notebooks, &nb)
		return nil
	})
	return notebooks, err
}

// PutTx writes a notebook as given inside an existing transaction.
func PutTx(tx *metadb.Tx, nb *Notebook) error {
	if nb.ID == "" {
		return &storageengine.SerializationError{Message: "notebook id is required"}
	}
	nb.normalize()
	return metadb.PutJSONTx(tx, Collection, nb.ID, nb, metadb.WithIndex(indexUpdatedAt, nb.Metadata.ModifiedAt))
}

func getTx(tx *metadb.Tx, id string) (*Notebook, error) {
	var nb Notebook
	if err := metadb.GetJSONTx(tx, Collection, id, &nb); err != nil {
		return nil, err
	}
	return &nb, nil
}

func mapError(op, key string, err error) error {
	switch {
	case errors.Is(err, metadb.ErrNotFound):
		return storageengine.NotFound(key)
	case errors.Is(err, metadb.ErrCorrupted):
		return &storageengine.CorruptedError{Key: key, Message: err.Error()}
	default:
		return storageengine.Database(op, err)
	}
}
