package metadb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func newTestCodec(t *testing.T) *EnvelopeCodec {
	t.Helper()
	codec, err := NewEnvelopeCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	env := &Envelope{
		Version:         CurrentEnvelopeVersion,
		ContentEncoding: ContentEncodingZstd,
		Payload:         []byte("compressed"),
		PayloadDigest:   computeDigest([]byte("plain")),
		PayloadSize:     5,
		UpdatedAtUnixMs: -42,
		BlobRefs:        []string{testRef(1), testRef(2)},
		Indexes: []IndexValue{
			{Name: "fetched_at", Value: 1_700_000_000_000},
			{Name: "last_accessed", Value: -1},
		},
	}

	got, err := UnmarshalEnvelope(env.Marshal())
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestUnmarshalEnvelopeSkipsUnknownFields(t *testing.T) {
	env := &Envelope{Version: 1, Payload: []byte("x"), PayloadSize: 1}
	data := env.Marshal()
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "from a newer writer")

	got, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Payload)
}

func TestUnmarshalEnvelopeTruncated(t *testing.T) {
	env := &Envelope{Version: 1, Payload: []byte("payload bytes"), PayloadSize: 13}
	data := env.Marshal()

	_, err := UnmarshalEnvelope(data[:len(data)-20])
	require.Error(t, err)
}

func TestUnmarshalEnvelopeDoesNotAlias(t *testing.T) {
	env := &Envelope{Version: 1, Payload: []byte("abc")}
	data := env.Marshal()

	got, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, []byte("abc"), got.Payload)
}

func TestEnvelopeCodec(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("small payloads stay identity", func(t *testing.T) {
		data := []byte(`{"theme":"Dark"}`)
		payload, enc, digest, err := codec.EncodePayload(data)
		require.NoError(t, err)
		assert.Equal(t, ContentEncodingIdentity, enc)
		assert.Equal(t, data, payload)

		got, err := codec.DecodePayload(payload, enc, digest, uint64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("compressible payloads use zstd", func(t *testing.T) {
		data := bytes.Repeat([]byte("SELECT * FROM trips; "), 500)
		payload, enc, digest, err := codec.EncodePayload(data)
		require.NoError(t, err)
		assert.Equal(t, ContentEncodingZstd, enc)
		assert.Less(t, len(payload), len(data))

		got, err := codec.DecodePayload(payload, enc, digest, uint64(len(data)))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("digest mismatch is corruption", func(t *testing.T) {
		_, err := codec.DecodePayload([]byte("abc"), ContentEncodingIdentity, computeDigest([]byte("xyz")), 3)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("oversized declared size is rejected", func(t *testing.T) {
		_, err := codec.DecodePayload([]byte{0}, ContentEncodingZstd, "", MaxDecompressedSize+1)
		require.ErrorIs(t, err, ErrDecompressionBomb)
	})

	t.Run("oversized payload is rejected", func(t *testing.T) {
		_, _, _, err := codec.EncodePayload(make([]byte, MaxPayloadSize+1))
		require.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("unknown encoding", func(t *testing.T) {
		_, err := codec.DecodePayload([]byte("x"), ContentEncoding(7), "", 1)
		require.Error(t, err)
		assert.Equal(t, "unknown(7)", ContentEncoding(7).String())
	})
}

func TestValidateDigestFormat(t *testing.T) {
	require.NoError(t, ValidateDigestFormat(testRef(3)))
	require.NoError(t, ValidateDigestFormat(computeDigest(nil)))

	for _, bad := range []string{"", "nocolon", "md5:abc", "sha256:abc", "blake3:" + string(bytes.Repeat([]byte("z"), 64))} {
		require.ErrorIs(t, ValidateDigestFormat(bad), ErrInvalidDigestFormat, bad)
	}
}

func TestValidateEnvelopeTooManyRefs(t *testing.T) {
	env := &Envelope{}
	for i := 0; i <= MaxBlobRefs; i++ {
		env.BlobRefs = append(env.BlobRefs, testRef(byte(i)))
	}
	require.ErrorIs(t, ValidateEnvelope(env), ErrTooManyBlobRefs)
}

func TestCanonicalizeRefs(t *testing.T) {
	upper := "BLAKE3:" + testRef(10)[len("blake3:"):]
	got := CanonicalizeRefs([]string{testRef(2), upper, testRef(1), testRef(2)})
	assert.Equal(t, []string{testRef(1), testRef(2), testRef(10)}, got)
	assert.Nil(t, CanonicalizeRefs(nil))
}

func TestDiffRefs(t *testing.T) {
	added, removed := DiffRefs([]string{"a", "b"}, []string{"b", "c"})
	assert.Equal(t, []string{"c"}, added)
	assert.Equal(t, []string{"a"}, removed)
}
