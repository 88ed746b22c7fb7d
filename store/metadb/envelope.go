package metadb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum value size before compression is considered.
	// zstd overhead is not worth it below 2KB.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed record value size.
	MaxPayloadSize = 64 * 1024 * 1024 // 64MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 64 * 1024 * 1024 // 64MB

	// MaxBlobRefs is the maximum number of blob refs one record may hold.
	MaxBlobRefs = 16

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1
)

var (
	// ErrPayloadTooLarge is returned when a value exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")

	// ErrTooManyBlobRefs is returned when a record exceeds MaxBlobRefs.
	ErrTooManyBlobRefs = errors.New("too many blob refs")

	// ErrInvalidDigestFormat is returned when a blob ref has invalid format.
	ErrInvalidDigestFormat = errors.New("invalid digest format")
)

// ContentEncoding identifies how an envelope payload is stored.
type ContentEncoding int32

const (
	ContentEncodingIdentity ContentEncoding = 0
	ContentEncodingZstd     ContentEncoding = 1
)

func (e ContentEncoding) String() string {
	switch e {
	case ContentEncodingIdentity:
		return "identity"
	case ContentEncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", int32(e))
	}
}

// IndexValue is one secondary index entry carried by a record.
type IndexValue struct {
	Name  string
	Value int64
}

// Envelope is the stored form of a record. It is serialised in protobuf wire
// format so fields can be added without breaking existing databases.
type Envelope struct {
	Version         uint32
	ContentEncoding ContentEncoding
	Payload         []byte
	PayloadDigest   string
	PayloadSize     uint64
	UpdatedAtUnixMs int64
	BlobRefs        []string
	Indexes         []IndexValue
}

// Envelope field numbers.
const (
	fieldVersion         protowire.Number = 1
	fieldContentEncoding protowire.Number = 2
	fieldPayload         protowire.Number = 3
	fieldPayloadDigest   protowire.Number = 4
	fieldPayloadSize     protowire.Number = 5
	fieldUpdatedAt       protowire.Number = 6
	fieldBlobRefs        protowire.Number = 7
	fieldIndexes         protowire.Number = 8

	fieldIndexName  protowire.Number = 1
	fieldIndexValue protowire.Number = 2
)

// Marshal encodes the envelope in protobuf wire format.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Version))
	if e.ContentEncoding != ContentEncodingIdentity {
		b = protowire.AppendTag(b, fieldContentEncoding, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.ContentEncoding))
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldPayloadDigest, protowire.BytesType)
	b = protowire.AppendString(b, e.PayloadDigest)
	b = protowire.AppendTag(b, fieldPayloadSize, protowire.VarintType)
	b = protowire.AppendVarint(b, e.PayloadSize)
	b = protowire.AppendTag(b, fieldUpdatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.UpdatedAtUnixMs))
	for _, ref := range e.BlobRefs {
		b = protowire.AppendTag(b, fieldBlobRefs, protowire.BytesType)
		b = protowire.AppendString(b, ref)
	}
	for _, idx := range e.Indexes {
		var m []byte
		m = protowire.AppendTag(m, fieldIndexName, protowire.BytesType)
		m = protowire.AppendString(m, idx.Name)
		m = protowire.AppendTag(m, fieldIndexValue, protowire.VarintType)
		m = protowire.AppendVarint(m, protowire.EncodeZigZag(idx.Value))
		b = protowire.AppendTag(b, fieldIndexes, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// UnmarshalEnvelope decodes an envelope. The returned envelope does not
// alias data.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decoding envelope tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			n = m
			env.Version = uint32(v) //nolint:gosec // version is a small counter
		case num == fieldContentEncoding && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			n = m
			env.ContentEncoding = ContentEncoding(v) //nolint:gosec // enum value
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			n = m
			env.Payload = append([]byte(nil), v...)
		case num == fieldPayloadDigest && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			n = m
			env.PayloadDigest = v
		case num == fieldPayloadSize && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			n = m
			env.PayloadSize = v
		case num == fieldUpdatedAt && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			n = m
			env.UpdatedAtUnixMs = protowire.DecodeZigZag(v)
		case num == fieldBlobRefs && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			n = m
			env.BlobRefs = append(env.BlobRefs, v)
		case num == fieldIndexes && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			n = m
			if m >= 0 {
				idx, err := unmarshalIndexValue(v)
				if err != nil {
					return nil, err
				}
				env.Indexes = append(env.Indexes, idx)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return nil, fmt.Errorf("decoding envelope field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return env, nil
}

func unmarshalIndexValue(data []byte) (IndexValue, error) {
	var idx IndexValue
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return IndexValue{}, fmt.Errorf("decoding index tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldIndexName && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			n = m
			idx.Name = v
		case num == fieldIndexValue && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			n = m
			idx.Value = protowire.DecodeZigZag(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return IndexValue{}, fmt.Errorf("decoding index field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return idx, nil
}

// EnvelopeCodec handles payload encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type EnvelopeCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewEnvelopeCodec creates a new codec with pooled zstd encoder/decoder.
func NewEnvelopeCodec() (*EnvelopeCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &EnvelopeCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *EnvelopeCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// EncodePayload compresses data if beneficial and returns encoded bytes with encoding type.
// Also computes and returns the digest of the original (uncompressed) data.
func (c *EnvelopeCodec) EncodePayload(data []byte) (payload []byte, encoding ContentEncoding, digest string, err error) {
	if len(data) > MaxPayloadSize {
		return nil, ContentEncodingIdentity, "", ErrPayloadTooLarge
	}

	digest = computeDigest(data)

	if len(data) < CompressionThreshold {
		return data, ContentEncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, ContentEncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, ContentEncodingIdentity, digest, nil
	}

	return compressed, ContentEncodingZstd, digest, nil
}

// DecodePayload decompresses payload if needed and verifies digest.
func (c *EnvelopeCodec) DecodePayload(payload []byte, encoding ContentEncoding, expectedDigest string, expectedSize uint64) ([]byte, error) {
	if encoding == ContentEncodingIdentity {
		if expectedDigest != "" && computeDigest(payload) != expectedDigest {
			return nil, ErrCorrupted
		}
		return payload, nil
	}

	if encoding != ContentEncodingZstd {
		return nil, fmt.Errorf("unsupported encoding: %v", encoding)
	}

	if expectedSize > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}

	if uint64(len(decompressed)) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	if expectedDigest != "" && computeDigest(decompressed) != expectedDigest {
		return nil, ErrCorrupted
	}

	return decompressed, nil
}

// computeDigest computes sha256 digest in canonical format.
func computeDigest(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// ValidateEnvelope validates an envelope before storage.
func ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return errors.New("envelope is nil")
	}

	if len(env.BlobRefs) > MaxBlobRefs {
		return ErrTooManyBlobRefs
	}

	for _, ref := range env.BlobRefs {
		if err := ValidateDigestFormat(ref); err != nil {
			return err
		}
	}

	return nil
}

// ValidateDigestFormat validates that a digest string is in canonical format.
// Accepted formats: "sha256:<64 hex chars>" or "blake3:<64 hex chars>"
func ValidateDigestFormat(digest string) error {
	algo, hash, ok := strings.Cut(digest, ":")
	if !ok {
		return fmt.Errorf("%w: missing algorithm prefix in %q", ErrInvalidDigestFormat, digest)
	}

	switch strings.ToLower(algo) {
	case "sha256", "blake3":
		if len(hash) != 64 {
			return fmt.Errorf("%w: expected 64 hex chars, got %d in %q", ErrInvalidDigestFormat, len(hash), digest)
		}
		if _, err := hex.DecodeString(hash); err != nil {
			return fmt.Errorf("%w: invalid hex character in %q", ErrInvalidDigestFormat, digest)
		}
	default:
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidDigestFormat, algo)
	}

	return nil
}

// CanonicalizeRefs deduplicates, lowercases, and sorts blob refs.
func CanonicalizeRefs(refs []string) []string {
	if len(refs) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(refs))
	result := make([]string, 0, len(refs))

	for _, ref := range refs {
		lower := strings.ToLower(ref)
		if _, ok := seen[lower]; !ok {
			seen[lower] = struct{}{}
			result = append(result, lower)
		}
	}

	sort.Strings(result)
	return result
}

// DiffRefs computes added and removed refs between old and new sets.
// Both inputs should already be canonicalized.
func DiffRefs(oldRefs, newRefs []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(oldRefs))
	newSet := make(map[string]struct{}, len(newRefs))

	for _, r := range oldRefs {
		oldSet[r] = struct{}{}
	}
	for _, r := range newRefs {
		newSet[r] = struct{}{}
	}

	for _, r := range newRefs {
		if _, ok := oldSet[r]; !ok {
			added = append(added, r)
		}
	}
	for _, r := range oldRefs {
		if _, ok := newSet[r]; !ok {
			removed = append(removed, r)
		}
	}

	return added, removed
}
