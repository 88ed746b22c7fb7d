package metadb

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collection provides JSON record storage for one named collection.
// It wraps MetaDB to give stores a simpler typed interface.
type Collection struct {
	db   MetaDB
	name string
}

// NewCollection creates a collection accessor.
func NewCollection(db MetaDB, name string) *Collection {
	return &Collection{db: db, name: name}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// GetJSON retrieves and unmarshals a JSON record.
func (c *Collection) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.db.Get(ctx, c.name, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s/%s: %w", c.name, key, err)
	}
	return nil
}

// PutJSON marshals and stores a JSON record.
func (c *Collection) PutJSON(ctx context.Context, key string, v any, opts ...PutOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", c.name, key, err)
	}
	return c.db.Put(ctx, c.name, key, data, opts...)
}

// Delete removes a record. Returns ErrNotFound if it does not exist.
func (c *Collection) Delete(ctx context.Context, key string) error {
	return c.db.Delete(ctx, c.name, key)
}

// List returns every record of the collection in ascending key order.
func (c *Collection) List(ctx context.Context) ([]Record, error) {
	return c.db.List(ctx, c.name)
}

// ListByIndex returns keys ordered by a secondary index.
func (c *Collection) ListByIndex(ctx context.Context, index string, desc bool) ([]string, error) {
	return c.db.ListByIndex(ctx, c.name, index, desc)
}

// GetJSONTx reads a JSON record inside an existing transaction.
func GetJSONTx(tx *Tx, collection, key string, v any) error {
	data, err := tx.Get(collection, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s/%s: %w", collection, key, err)
	}
	return nil
}

// PutJSONTx writes a JSON record inside an existing transaction.
func PutJSONTx(tx *Tx, collection, key string, v any, opts ...PutOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", collection, key, err)
	}
	return tx.Put(collection, key, data, opts...)
}
