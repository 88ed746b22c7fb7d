package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketRecords     = []byte("records")       // collection|key -> record envelope
	bucketRecordIndex = []byte("record_index")  // collection|index|value(8)|key -> key
	bucketBlobsByHash = []byte("blobs_by_hash") // hash -> BlobEntry JSON
)

// encodeInt64 converts a signed value to a fixed-width big-endian byte slice.
// Offsetting by math.MinInt64 keeps lexicographic order equal to numeric order.
func encodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeInt64 reverses encodeInt64.
func decodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	u := binary.BigEndian.Uint64(b[:8])
	return int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
}

// encodeTimestamp converts a time.Time to an order-preserving index value.
func encodeTimestamp(t time.Time) []byte {
	return encodeInt64(t.UnixNano())
}

// decodeTimestamp converts an index value back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	return time.Unix(0, decodeInt64(b)).UTC()
}

// makeRecordKey creates a compound key for a record.
// Format: [collection][separator][key]
func makeRecordKey(collection, key string) []byte {
	result := make([]byte, len(collection)+1+len(key))
	copy(result, collection)
	result[len(collection)] = 0 // null separator
	copy(result[len(collection)+1:], key)
	return result
}

// parseRecordKey extracts collection and key from a compound key.
func parseRecordKey(data []byte) (collection, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// collectionPrefix returns the prefix shared by every record of a collection.
func collectionPrefix(collection string) []byte {
	return makeRecordKey(collection, "")
}

// makeIndexPrefix returns the prefix shared by every entry of one index.
// Format: [collection][separator][index][separator]
func makeIndexPrefix(collection, index string) []byte {
	result := make([]byte, len(collection)+1+len(index)+1)
	copy(result, collection)
	result[len(collection)] = 0
	copy(result[len(collection)+1:], index)
	result[len(result)-1] = 0
	return result
}

// makeIndexKey creates a key for the record index bucket.
// Format: [collection][separator][index][separator][8-byte value][key]
func makeIndexKey(collection, index string, value int64, key string) []byte {
	prefix := makeIndexPrefix(collection, index)
	result := make([]byte, len(prefix)+8+len(key))
	copy(result, prefix)
	copy(result[len(prefix):], encodeInt64(value))
	copy(result[len(prefix)+8:], key)
	return result
}

// prefixEnd returns the smallest key greater than every key carrying prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
