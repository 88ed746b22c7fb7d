// Package storageengine holds the types shared by every layer of the storage
// engine: payload addresses, content digests and the structured error kinds
// surfaced to callers.
package storageengine

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash is the BLAKE3 address of a payload blob. Two cache entries with
// identical bytes share a single blob.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (no payload).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	if h.IsZero() {
		return []byte{}, nil
	}
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text decodes to
// the zero hash.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Hash{}
		return nil
	}
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

const blobKeyPrefix = "blobs"

// BlobStorageKey returns the backend storage key for a payload blob.
// Format: blobs/{hex[:2]}/{hex}
func BlobStorageKey(h Hash) string {
	hex := h.String()
	return blobKeyPrefix + "/" + hex[:2] + "/" + hex
}

// BlobKeyPrefix is the backend prefix under which all payload blobs live.
func BlobKeyPrefix() string {
	return blobKeyPrefix
}

// Ref returns the canonical blob reference "blake3:<hex>" recorded by
// metadata that points at this payload.
func (h Hash) Ref() string {
	return string(AlgBLAKE3) + ":" + h.String()
}

// ParseRef parses a blob reference produced by Hash.Ref.
func ParseRef(ref string) (Hash, error) {
	d, err := ParseDigest(ref)
	if err != nil {
		return Hash{}, err
	}
	if d.Alg != AlgBLAKE3 {
		return Hash{}, fmt.Errorf("blob reference %q is not a blake3 address", ref)
	}
	return Hash(d.Sum), nil
}
