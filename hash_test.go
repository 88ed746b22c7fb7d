package storageengine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytesKnownVector(t *testing.T) {
	// BLAKE3 of the empty input
	require.Equal(t,
		"af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		HashBytes(nil).String())
}

func TestHashForms(t *testing.T) {
	h := HashBytes([]byte("parquet"))

	assert.Len(t, h.String(), HashSize*2)
	assert.True(t, strings.HasPrefix(h.String(), h.ShortString()))
	assert.Len(t, h.ShortString(), 16)
	assert.Equal(t, "blake3:"+h.String(), h.Ref())

	key := BlobStorageKey(h)
	assert.Equal(t, BlobKeyPrefix()+"/"+h.String()[:2]+"/"+h.String(), key)
}

func TestHashTextEncoding(t *testing.T) {
	t.Run("payload hash", func(t *testing.T) {
		original := HashBytes([]byte("row group"))
		text, err := original.MarshalText()
		require.NoError(t, err)

		var parsed Hash
		require.NoError(t, parsed.UnmarshalText(text))
		require.Equal(t, original, parsed)
	})

	// Records without a payload store the zero hash as ""
	t.Run("zero hash", func(t *testing.T) {
		var zero Hash
		require.True(t, zero.IsZero())
		text, err := zero.MarshalText()
		require.NoError(t, err)
		require.Empty(t, text)

		parsed := HashBytes([]byte("x"))
		require.False(t, parsed.IsZero())
		require.NoError(t, parsed.UnmarshalText(nil))
		require.True(t, parsed.IsZero())
	})
}

func TestParseHashInvalid(t *testing.T) {
	for name, input := range map[string]string{
		"empty":       "",
		"too short":   "abc123",
		"too long":    strings.Repeat("a", 128),
		"invalid hex": strings.Repeat("zz", 32),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseHash(input)
			require.Error(t, err)
		})
	}
}

func TestParseRef(t *testing.T) {
	h := HashBytes([]byte("blob"))

	got, err := ParseRef(h.Ref())
	require.NoError(t, err)
	require.Equal(t, h, got)

	_, err = ParseRef(ComputeDigest([]byte("blob")).String())
	require.ErrorContains(t, err, "not a blake3 address")

	_, err = ParseRef("blake3:nothex")
	require.Error(t, err)
}
