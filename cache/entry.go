package cache

import (
	"encoding/json"
	"time"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/eviction"
)

// Validation is the freshness of a cache entry relative to a caller's token.
type Validation string

const (
	Valid   Validation = "Valid"
	Stale   Validation = "Stale"
	Missing Validation = "Missing"
)

// Entry is the metadata of one cached file, keyed by its source URL.
//
// Entries registered from a backup carry no local payload; Blob is the zero
// hash for them.
type Entry struct {
	URL          string
	Size         uint64
	ETag         string
	FetchedAt    time.Time
	LastAccessed time.Time
	ContentHash  string
	Blob         storageengine.Hash
}

// HasPayload reports whether the entry's bytes are held locally.
func (e *Entry) HasPayload() bool {
	return !e.Blob.IsZero()
}

func (e *Entry) candidate() eviction.Candidate {
	return eviction.Candidate{
		URL:          e.URL,
		Size:         e.Size,
		FetchedAt:    e.FetchedAt,
		LastAccessed: e.LastAccessed,
		NoPayload:    !e.HasPayload(),
	}
}

// wireEntry is the external JSON shape of an Entry. Timestamps are
// milliseconds since the Unix epoch and the payload address stays internal.
type wireEntry struct {
	URL          string `json:"url"`
	Size         uint64 `json:"size"`
	ETag         string `json:"etag,omitempty"`
	FetchedAt    int64  `json:"fetched_at"`
	LastAccessed int64  `json:"last_accessed"`
	ContentHash  string `json:"content_hash"`
}

// MarshalJSON implements json.Marshaler.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntry{
		URL:          e.URL,
		Size:         e.Size,
		ETag:         e.ETag,
		FetchedAt:    e.FetchedAt.UnixMilli(),
		LastAccessed: e.LastAccessed.UnixMilli(),
		ContentHash:  e.ContentHash,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The decoded entry has no payload.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{
		URL:          w.URL,
		Size:         w.Size,
		ETag:         w.ETag,
		FetchedAt:    time.UnixMilli(w.FetchedAt).UTC(),
		LastAccessed: time.UnixMilli(w.LastAccessed).UTC(),
		ContentHash:  w.ContentHash,
	}
	return nil
}

// record is the persisted form of an Entry.
type record struct {
	URL          string             `json:"url"`
	Size         uint64             `json:"size"`
	ETag         string             `json:"etag,omitempty"`
	FetchedAt    int64              `json:"fetched_at"`
	LastAccessed int64              `json:"last_accessed"`
	ContentHash  string             `json:"content_hash"`
	Blob         storageengine.Hash `json:"blob"`
}

func toRecord(e *Entry) *record {
	return &record{
		URL:          e.URL,
		Size:         e.Size,
		ETag:         e.ETag,
		FetchedAt:    e.FetchedAt.UnixMilli(),
		LastAccessed: e.LastAccessed.UnixMilli(),
		ContentHash:  e.ContentHash,
		Blob:         e.Blob,
	}
}

func (r *record) entry() *Entry {
	return &Entry{
		URL:          r.URL,
		Size:         r.Size,
		ETag:         r.ETag,
		FetchedAt:    time.UnixMilli(r.FetchedAt).UTC(),
		LastAccessed: time.UnixMilli(r.LastAccessed).UTC(),
		ContentHash:  r.ContentHash,
		Blob:         r.Blob,
	}
}

// Stats summarises the entries holding a local payload.
type Stats struct {
	FileCount   uint32
	TotalSize   uint64
	OldestEntry *time.Time
	NewestEntry *time.Time
}

type wireStats struct {
	FileCount   uint32 `json:"file_count"`
	TotalSize   uint64 `json:"total_size"`
	OldestEntry *int64 `json:"oldest_entry,omitempty"`
	NewestEntry *int64 `json:"newest_entry,omitempty"`
}

// MarshalJSON implements json.Marshaler with millisecond timestamps.
func (s Stats) MarshalJSON() ([]byte, error) {
	w := wireStats{FileCount: s.FileCount, TotalSize: s.TotalSize}
	if s.OldestEntry != nil {
		ms := s.OldestEntry.UnixMilli()
		w.OldestEntry = &ms
	}
	if s.NewestEntry != nil {
		ms := s.NewestEntry.UnixMilli()
		w.NewestEntry = &ms
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Stats) UnmarshalJSON(data []byte) error {
	var w wireStats
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Stats{FileCount: w.FileCount, TotalSize: w.TotalSize}
	if w.OldestEntry != nil {
		t := time.UnixMilli(*w.OldestEntry).UTC()
		s.OldestEntry = &t
	}
	if w.NewestEntry != nil {
		t := time.UnixMilli(*w.NewestEntry).UTC()
		s.NewestEntry = &t
	}
	return nil
}
