// Package metadb provides the persistent record store for the storage engine,
// built on bbolt.
package metadb

import "time"

// BlobEntry contains metadata about a payload blob referenced by records.
type BlobEntry struct {
	Hash      string    `json:"hash"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	RefCount  int       `json:"ref_count"`
}

// Record is a decoded record from a collection.
type Record struct {
	Key       string
	Value     []byte
	Size      int64 // uncompressed value size
	UpdatedAt time.Time
	BlobRefs  []string
}

// CollectionStats summarises the records held in one collection.
type CollectionStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}
