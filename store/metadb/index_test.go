package metadb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testDoc struct {
	Title string `json:"title"`
	Cells int    `json:"cells"`
}

func TestCollectionJSON(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)
	c := NewCollection(db, "notebooks")
	assert.Equal(t, "notebooks", c.Name())

	require.NoError(t, c.PutJSON(ctx, "a", testDoc{Title: "A", Cells: 2}, WithIndex("updated_at", 2)))
	require.NoError(t, c.PutJSON(ctx, "b", testDoc{Title: "B", Cells: 1}, WithIndex("updated_at", 1)))

	var got testDoc
	require.NoError(t, c.GetJSON(ctx, "a", &got))
	assert.Equal(t, testDoc{Title: "A", Cells: 2}, got)

	keys, err := c.ListByIndex(ctx, "updated_at", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	records, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, c.Delete(ctx, "a"))
	require.ErrorIs(t, c.GetJSON(ctx, "a", &got), ErrNotFound)
}

func TestCollectionJSONTx(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		return PutJSONTx(tx, "prefs", "user", testDoc{Title: "T"})
	}))

	var got testDoc
	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		return GetJSONTx(tx, "prefs", "user", &got)
	}))
	assert.Equal(t, "T", got.Title)

	err := db.Update(ctx, func(tx *Tx) error {
		return PutJSONTx(tx, "prefs", "bad", make(chan int))
	})
	require.Error(t, err)
}
