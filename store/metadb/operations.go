package metadb

import (
	"context"
	"encoding/json"
	"os"

	"go.etcd.io/bbolt"
)

// RefcountDiscrepancy represents a mismatch between stored and computed refcounts.
type RefcountDiscrepancy struct {
	Hash     string `json:"hash"`
	Stored   int    `json:"stored"`
	Computed int    `json:"computed"`
}

// computeRefcounts counts how many records reference each blob.
func computeRefcounts(tx *bbolt.Tx) map[string]int {
	computed := make(map[string]int)
	cursor := tx.Bucket(bucketRecords).Cursor()
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		env, err := UnmarshalEnvelope(v)
		if err != nil {
			continue
		}
		for _, ref := range env.BlobRefs {
			computed[ref]++
		}
	}
	return computed
}

// VerifyRefcounts scans all records and compares computed refcounts to stored
// blob refcounts. Returns discrepancies without modifying the database.
func (b *BoltDB) VerifyRefcounts(_ context.Context) ([]RefcountDiscrepancy, error) {
	var discrepancies []RefcountDiscrepancy

	err := b.db.View(func(tx *bbolt.Tx) error {
		computed := computeRefcounts(tx)

		cursor := tx.Bucket(bucketBlobsByHash).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			hash := string(k)

			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}

			if expected := computed[hash]; entry.RefCount != expected {
				discrepancies = append(discrepancies, RefcountDiscrepancy{
					Hash:     hash,
					Stored:   entry.RefCount,
					Computed: expected,
				})
			}
			delete(computed, hash)
		}

		// References to blobs that were never registered
		for hash, count := range computed {
			discrepancies = append(discrepancies, RefcountDiscrepancy{
				Hash:     hash,
				Stored:   0,
				Computed: count,
			})
		}
		return nil
	})

	return discrepancies, err
}

// RebuildRefcounts recomputes all blob refcounts from record references.
// Returns the number of blob entries that were corrected.
func (b *BoltDB) RebuildRefcounts(_ context.Context) (int, error) {
	updated := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		computed := computeRefcounts(tx)
		blobBucket := tx.Bucket(bucketBlobsByHash)

		type fix struct {
			key  []byte
			data []byte
		}
		var fixes []fix

		cursor := blobBucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if expected := computed[string(k)]; entry.RefCount != expected {
				entry.RefCount = expected
				data, err := json.Marshal(&entry)
				if err != nil {
					continue
				}
				fixes = append(fixes, fix{key: append([]byte(nil), k...), data: data})
			}
		}

		for _, f := range fixes {
			if err := blobBucket.Put(f.key, f.data); err != nil {
				return err
			}
			updated++
		}
		return nil
	})

	return updated, err
}

// DBStats contains statistics about the record database.
type DBStats struct {
	RecordCount       int64            `json:"record_count"`
	BlobCount         int64            `json:"blob_count"`
	UnreferencedBlobs int64            `json:"unreferenced_blobs"`
	TotalPayloadSize  int64            `json:"total_payload_size"`
	CompressedCount   int64            `json:"compressed_count"`
	ByCollection      map[string]int64 `json:"by_collection"`
	DBFileSize        int64            `json:"db_file_size"`
}

// DBStats returns statistics about the record database.
func (b *BoltDB) DBStats(_ context.Context) (*DBStats, error) {
	stats := &DBStats{
		ByCollection: make(map[string]int64),
	}

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRecords).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			stats.RecordCount++

			collection, _ := parseRecordKey(k)
			stats.ByCollection[collection]++

			env, err := UnmarshalEnvelope(v)
			if err != nil {
				continue
			}
			stats.TotalPayloadSize += min(int64(env.PayloadSize), MaxPayloadSize) //nolint:gosec // bounded by MaxPayloadSize
			if env.ContentEncoding == ContentEncodingZstd {
				stats.CompressedCount++
			}
		}

		return tx.Bucket(bucketBlobsByHash).ForEach(func(_, v []byte) error {
			stats.BlobCount++
			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err == nil && entry.RefCount == 0 {
				stats.UnreferencedBlobs++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(b.db.Path()); err == nil {
		stats.DBFileSize = fi.Size()
	}

	return stats, nil
}
