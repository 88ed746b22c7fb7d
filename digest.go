package storageengine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies the hash algorithm of a content digest.
type Algorithm string

const (
	AlgSHA256 Algorithm = "sha256"
	AlgBLAKE3 Algorithm = "blake3"
)

// Digest is the integrity hash recorded alongside every cached payload, in
// the canonical form "algorithm:hex". New entries always use SHA-256; BLAKE3
// digests are accepted when verifying imported metadata.
type Digest struct {
	Alg Algorithm
	Sum [32]byte
}

// ComputeDigest returns the SHA-256 digest of data.
func ComputeDigest(data []byte) Digest {
	return Digest{Alg: AlgSHA256, Sum: sha256.Sum256(data)}
}

// ParseDigest parses a digest string in the form "algorithm:hex". The
// algorithm and hex are case-insensitive and normalised to lowercase.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	algoStr, hexStr, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("missing algorithm prefix in digest %q", s)
	}

	var alg Algorithm
	switch Algorithm(strings.ToLower(algoStr)) {
	case AlgSHA256:
		alg = AlgSHA256
	case AlgBLAKE3:
		alg = AlgBLAKE3
	default:
		return Digest{}, fmt.Errorf("unsupported algorithm %q in digest %q", algoStr, s)
	}

	if len(hexStr) != 64 {
		return Digest{}, fmt.Errorf("invalid digest %q: expected 64 hex chars, got %d", s, len(hexStr))
	}
	d := Digest{Alg: alg}
	if _, err := hex.Decode(d.Sum[:], []byte(strings.ToLower(hexStr))); err != nil {
		return Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}

// String returns the canonical string form "algorithm:hex".
func (d Digest) String() string {
	return string(d.Alg) + ":" + hex.EncodeToString(d.Sum[:])
}

// Verify recomputes the digest of data with the digest's algorithm and
// reports whether it matches.
func (d Digest) Verify(data []byte) bool {
	switch d.Alg {
	case AlgSHA256:
		return sha256.Sum256(data) == d.Sum
	case AlgBLAKE3:
		return blake3.Sum256(data) == d.Sum
	default:
		return false
	}
}
