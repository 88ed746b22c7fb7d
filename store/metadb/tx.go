package metadb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// Tx is a read or read-write transaction over the record store.
// A Tx is only valid inside the View or Update callback that created it.
type Tx struct {
	tx       *bbolt.Tx
	db       *BoltDB
	released []string
}

// PutOption configures a record write.
type PutOption func(*putOptions)

type putOptions struct {
	indexes []IndexValue
	refs    []string
}

// WithIndex adds a secondary index value to the record.
func WithIndex(name string, value int64) PutOption {
	return func(o *putOptions) {
		o.indexes = append(o.indexes, IndexValue{Name: name, Value: value})
	}
}

// WithTimeIndex adds a secondary index on a timestamp with millisecond precision.
func WithTimeIndex(name string, t time.Time) PutOption {
	return WithIndex(name, t.UnixMilli())
}

// WithBlobRefs records that the record references the given blobs.
// Each blob must have been registered with PutBlob.
func WithBlobRefs(refs ...string) PutOption {
	return func(o *putOptions) {
		o.refs = append(o.refs, refs...)
	}
}

// Writable reports whether the transaction can modify the store.
func (t *Tx) Writable() bool {
	return t.tx.Writable()
}

// Released returns the blob refs whose reference count dropped to zero during
// this transaction. Their payloads may be deleted once the transaction commits.
func (t *Tx) Released() []string {
	var out []string
	seen := make(map[string]struct{}, len(t.released))
	for _, hash := range t.released {
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}
		// A blob released and re-referenced in the same transaction stays live
		if entry, err := t.GetBlob(hash); err == nil && entry.RefCount == 0 {
			out = append(out, hash)
		}
	}
	return out
}

// Get returns the decoded value of a record.
// Returns ErrNotFound if the record does not exist and ErrCorrupted if the
// stored digest does not match.
func (t *Tx) Get(collection, key string) ([]byte, error) {
	rec, err := t.GetRecord(collection, key)
	if err != nil {
		return nil, err
	}
	return rec.Value, nil
}

// GetRecord returns a record with its bookkeeping fields.
func (t *Tx) GetRecord(collection, key string) (*Record, error) {
	env, err := t.envelope(makeRecordKey(collection, key))
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, ErrNotFound
	}
	return t.decodeRecord(key, env)
}

// Has reports whether a record exists without decoding it.
func (t *Tx) Has(collection, key string) bool {
	return t.tx.Bucket(bucketRecords).Get(makeRecordKey(collection, key)) != nil
}

// Put creates or replaces a record. Index entries and blob references of a
// replaced record are updated in the same transaction.
func (t *Tx) Put(collection, key string, value []byte, opts ...PutOption) error {
	if !t.tx.Writable() {
		return bbolt.ErrTxNotWritable
	}

	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}

	payload, encoding, digest, err := t.db.codec.EncodePayload(value)
	if err != nil {
		return err
	}

	sort.Slice(po.indexes, func(i, j int) bool { return po.indexes[i].Name < po.indexes[j].Name })

	env := &Envelope{
		Version:         CurrentEnvelopeVersion,
		ContentEncoding: encoding,
		Payload:         payload,
		PayloadDigest:   digest,
		PayloadSize:     uint64(len(value)),
		UpdatedAtUnixMs: t.db.now().UnixMilli(),
		BlobRefs:        CanonicalizeRefs(po.refs),
		Indexes:         po.indexes,
	}
	if err := ValidateEnvelope(env); err != nil {
		return fmt.Errorf("validating envelope: %w", err)
	}

	recordKey := makeRecordKey(collection, key)
	old, err := t.envelope(recordKey)
	if err != nil && !errors.Is(err, ErrCorrupted) {
		return err
	}

	var oldRefs []string
	if old != nil {
		oldRefs = old.BlobRefs
		if err := t.removeIndexes(collection, key, old.Indexes); err != nil {
			return err
		}
	}

	added, removed := DiffRefs(oldRefs, env.BlobRefs)
	for _, ref := range added {
		if err := t.adjustBlobRef(ref, 1); err != nil {
			return fmt.Errorf("incrementing ref for %s: %w", ref, err)
		}
	}
	for _, ref := range removed {
		if err := t.adjustBlobRef(ref, -1); err != nil {
			return fmt.Errorf("decrementing ref for %s: %w", ref, err)
		}
	}

	indexBucket := t.tx.Bucket(bucketRecordIndex)
	for _, idx := range env.Indexes {
		if err := indexBucket.Put(makeIndexKey(collection, idx.Name, idx.Value, key), []byte(key)); err != nil {
			return fmt.Errorf("putting index %s: %w", idx.Name, err)
		}
	}

	if err := t.tx.Bucket(bucketRecords).Put(recordKey, env.Marshal()); err != nil {
		return fmt.Errorf("putting record: %w", err)
	}
	return nil
}

// Delete removes a record, its index entries and its blob references.
// Returns ErrNotFound if the record does not exist.
func (t *Tx) Delete(collection, key string) error {
	if !t.tx.Writable() {
		return bbolt.ErrTxNotWritable
	}

	recordKey := makeRecordKey(collection, key)
	env, err := t.envelope(recordKey)
	if err != nil && !errors.Is(err, ErrCorrupted) {
		return err
	}
	if env == nil {
		return ErrNotFound
	}

	if err := t.removeIndexes(collection, key, env.Indexes); err != nil {
		return err
	}
	for _, ref := range env.BlobRefs {
		if err := t.adjustBlobRef(ref, -1); err != nil {
			return fmt.Errorf("decrementing ref for %s: %w", ref, err)
		}
	}
	return t.tx.Bucket(bucketRecords).Delete(recordKey)
}

// DeleteAll removes every record of a collection and returns how many were removed.
func (t *Tx) DeleteAll(collection string) (int, error) {
	keys, err := t.Keys(collection)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := t.Delete(collection, key); err != nil {
			return 0, fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return len(keys), nil
}

// Keys returns the keys of a collection in ascending order.
func (t *Tx) Keys(collection string) ([]string, error) {
	var keys []string
	prefix := collectionPrefix(collection)
	cursor := t.tx.Bucket(bucketRecords).Cursor()
	for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		_, key := parseRecordKey(k)
		keys = append(keys, key)
	}
	return keys, nil
}

// ForEach calls fn for every record of a collection in ascending key order.
// Iteration stops at the first error returned by fn or at the first record
// that cannot be decoded.
func (t *Tx) ForEach(collection string, fn func(*Record) error) error {
	return t.forEach(collection, fn, nil)
}

// ForEachReadable is ForEach for listings that must survive damaged rows:
// records that cannot be decoded are passed to skip, wrapped in ErrCorrupted,
// and iteration continues.
func (t *Tx) ForEachReadable(collection string, fn func(*Record) error, skip func(key string, err error)) error {
	if skip == nil {
		skip = func(string, error) {}
	}
	return t.forEach(collection, fn, skip)
}

func (t *Tx) forEach(collection string, fn func(*Record) error, skip func(string, error)) error {
	prefix := collectionPrefix(collection)
	cursor := t.tx.Bucket(bucketRecords).Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		_, key := parseRecordKey(k)
		rec, err := t.decodeRaw(key, v)
		if err != nil {
			if skip == nil {
				return fmt.Errorf("decoding record %s: %w", key, err)
			}
			skip(key, fmt.Errorf("%w: %w", ErrCorrupted, err))
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) decodeRaw(key string, v []byte) (*Record, error) {
	env, err := UnmarshalEnvelope(v)
	if err != nil {
		return nil, err
	}
	return t.decodeRecord(key, env)
}

// List returns every record of a collection in ascending key order.
func (t *Tx) List(collection string) ([]Record, error) {
	var records []Record
	err := t.ForEach(collection, func(rec *Record) error {
		records = append(records, *rec)
		return nil
	})
	return records, err
}

// ListByIndex returns the keys of a collection ordered by an index value.
// Records without a value for the index are omitted. Equal values are
// ordered by key.
func (t *Tx) ListByIndex(collection, index string, desc bool) ([]string, error) {
	var keys []string
	prefix := makeIndexPrefix(collection, index)
	cursor := t.tx.Bucket(bucketRecordIndex).Cursor()

	if !desc {
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			keys = append(keys, string(v))
		}
		return keys, nil
	}

	var k, v []byte
	if end := prefixEnd(prefix); end != nil {
		k, v = cursor.Seek(end)
		if k == nil {
			k, v = cursor.Last()
		} else {
			k, v = cursor.Prev()
		}
	} else {
		k, v = cursor.Last()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Prev() {
		keys = append(keys, string(v))
	}
	return keys, nil
}

// Stats returns the record count and total uncompressed value size of a collection.
func (t *Tx) Stats(collection string) (CollectionStats, error) {
	var stats CollectionStats
	prefix := collectionPrefix(collection)
	cursor := t.tx.Bucket(bucketRecords).Cursor()
	for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
		env, err := UnmarshalEnvelope(v)
		if err != nil {
			return CollectionStats{}, fmt.Errorf("decoding record: %w", err)
		}
		stats.Count++
		stats.Bytes += int64(env.PayloadSize) //nolint:gosec // bounded by MaxPayloadSize
	}
	return stats, nil
}

// PutBlob registers a payload blob so records can reference it.
// Registering an existing blob is a no-op.
func (t *Tx) PutBlob(hash string, size int64) error {
	if err := ValidateDigestFormat(hash); err != nil {
		return err
	}
	bucket := t.tx.Bucket(bucketBlobsByHash)
	if bucket.Get([]byte(hash)) != nil {
		return nil
	}
	data, err := json.Marshal(&BlobEntry{
		Hash:      hash,
		Size:      size,
		CreatedAt: t.db.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling blob entry: %w", err)
	}
	return bucket.Put([]byte(hash), data)
}

// GetBlob returns the blob entry for hash.
func (t *Tx) GetBlob(hash string) (*BlobEntry, error) {
	val := t.tx.Bucket(bucketBlobsByHash).Get([]byte(hash))
	if val == nil {
		return nil, ErrNotFound
	}
	var entry BlobEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling blob entry: %w", err)
	}
	return &entry, nil
}

// DeleteBlob removes a blob entry. Entries that are still referenced are kept.
func (t *Tx) DeleteBlob(hash string) error {
	entry, err := t.GetBlob(hash)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.RefCount > 0 {
		return nil
	}
	return t.tx.Bucket(bucketBlobsByHash).Delete([]byte(hash))
}

// UnreferencedBlobs returns up to limit blob hashes with no references.
// A limit of zero or less returns all of them.
func (t *Tx) UnreferencedBlobs(limit int) ([]string, error) {
	var hashes []string
	err := t.tx.Bucket(bucketBlobsByHash).ForEach(func(k, v []byte) error {
		if limit > 0 && len(hashes) >= limit {
			return nil
		}
		var entry BlobEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil // Skip invalid entries
		}
		if entry.RefCount == 0 {
			hashes = append(hashes, string(k))
		}
		return nil
	})
	return hashes, err
}

// envelope loads and decodes the envelope stored at recordKey.
// Returns nil without error when the record does not exist.
func (t *Tx) envelope(recordKey []byte) (*Envelope, error) {
	val := t.tx.Bucket(bucketRecords).Get(recordKey)
	if val == nil {
		return nil, nil
	}
	env, err := UnmarshalEnvelope(val)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}
	return env, nil
}

func (t *Tx) decodeRecord(key string, env *Envelope) (*Record, error) {
	value, err := t.db.codec.DecodePayload(env.Payload, env.ContentEncoding, env.PayloadDigest, env.PayloadSize)
	if err != nil {
		return nil, err
	}
	return &Record{
		Key:       key,
		Value:     value,
		Size:      int64(env.PayloadSize), //nolint:gosec // bounded by MaxPayloadSize
		UpdatedAt: time.UnixMilli(env.UpdatedAtUnixMs).UTC(),
		BlobRefs:  env.BlobRefs,
	}, nil
}

func (t *Tx) removeIndexes(collection, key string, indexes []IndexValue) error {
	bucket := t.tx.Bucket(bucketRecordIndex)
	for _, idx := range indexes {
		if err := bucket.Delete(makeIndexKey(collection, idx.Name, idx.Value, key)); err != nil {
			return fmt.Errorf("deleting index %s: %w", idx.Name, err)
		}
	}
	return nil
}

// adjustBlobRef changes the reference count of a blob by delta.
func (t *Tx) adjustBlobRef(hash string, delta int) error {
	bucket := t.tx.Bucket(bucketBlobsByHash)
	val := bucket.Get([]byte(hash))
	if val == nil {
		if delta > 0 {
			return ErrBlobNotRegistered
		}
		return nil // Blob already deleted
	}

	var entry BlobEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return fmt.Errorf("unmarshaling blob entry: %w", err)
	}

	entry.RefCount += delta
	if entry.RefCount < 0 {
		entry.RefCount = 0
	}
	if delta < 0 && entry.RefCount == 0 {
		t.released = append(t.released, hash)
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshaling blob entry: %w", err)
	}
	return bucket.Put([]byte(hash), data)
}
