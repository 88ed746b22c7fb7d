package backend

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func frame(t *testing.T, header *PayloadHeader, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFramed(&buf, header, strings.NewReader(body)))
	return buf.Bytes()
}

func TestWriteReadFramed(t *testing.T) {
	header := &PayloadHeader{
		Size:     5,
		Digest:   "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		StoredAt: 1772323200000,
	}

	data := frame(t, header, "hello")
	require.True(t, bytes.HasPrefix(data, MagicBytes))

	got, body, err := ReadFramed(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, header, got)

	payload, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "hello", string(payload))
}

func TestWriteFramedSizeMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFramed(&buf, &PayloadHeader{Size: 10}, strings.NewReader("short"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "header declares 10")
}

func TestReadFramedStopsAtDeclaredSize(t *testing.T) {
	data := frame(t, &PayloadHeader{Size: 3}, "abc")
	data = append(data, "trailing"...)

	_, body, err := ReadFramed(bytes.NewReader(data))
	require.NoError(t, err)
	payload, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "abc", string(payload))
}

func TestReadFramedTruncatedBody(t *testing.T) {
	data := frame(t, &PayloadHeader{Size: 11}, "hello world")
	data = data[:len(data)-4]

	_, body, err := ReadFramed(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = io.ReadAll(body)
	require.ErrorIs(t, err, ErrTruncated)
	require.True(t, IsFramingError(err))
}

func TestReadFramedRejects(t *testing.T) {
	tooLarge := append([]byte{}, MagicBytes...)
	tooLarge = binary.BigEndian.AppendUint32(tooLarge, MaxHeaderSize+1)

	badJSON := append([]byte{}, MagicBytes...)
	badJSON = binary.BigEndian.AppendUint32(badJSON, 3)
	badJSON = append(badJSON, "{{{"...)

	shortHeader := append([]byte{}, MagicBytes...)
	shortHeader = binary.BigEndian.AppendUint32(shortHeader, 40)
	shortHeader = append(shortHeader, `{"size":`...)

	negative := frame(t, &PayloadHeader{}, "")
	negative = bytes.Replace(negative, []byte(`"size":0`), []byte(`"size":-1`), 1)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty file", data: nil, want: ErrInvalidMagic},
		{name: "short preamble", data: []byte("PQ"), want: ErrInvalidMagic},
		{name: "wrong magic", data: []byte("XXXX\x00\x00\x00\x02{}"), want: ErrInvalidMagic},
		{name: "header too large", data: tooLarge, want: ErrHeaderTooLarge},
		{name: "bad header json", data: badJSON, want: ErrInvalidMagic},
		{name: "short header", data: shortHeader, want: ErrTruncated},
		{name: "negative size", data: negative, want: ErrInvalidMagic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ReadFramed(bytes.NewReader(tt.data))
			require.ErrorIs(t, err, tt.want)
			require.True(t, IsFramingError(err))
		})
	}
}

func TestIsFramingErrorIgnoresIOErrors(t *testing.T) {
	require.False(t, IsFramingError(io.ErrClosedPipe))
	require.False(t, IsFramingError(ErrNotFound))
}

func TestWriteFramedEmptyBody(t *testing.T) {
	data := frame(t, &PayloadHeader{}, "")

	_, body, err := ReadFramed(bytes.NewReader(data))
	require.NoError(t, err)
	payload, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Empty(t, payload)
}
