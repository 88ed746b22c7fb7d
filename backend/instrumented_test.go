package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedBackendWriteRead(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t), "filesystem")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "test/key", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "test/key")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))
	require.NoError(t, rc.Close())
}

func TestInstrumentedBackendNotFound(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t), "filesystem")
	ctx := context.Background()

	_, err := ib.Read(ctx, "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)

	_, _, err = ib.ReadFramed(ctx, "nonexistent/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackendFramed(t *testing.T) {
	fs := newTestFilesystem(t)
	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	header := &PayloadHeader{Size: 3, Digest: "sha256:00"}
	require.NoError(t, ib.WriteFramed(ctx, "blobs/00/00", header, bytes.NewReader([]byte("abc"))))

	exists, err := ib.Exists(ctx, "blobs/00/00")
	require.NoError(t, err)
	require.True(t, exists)

	keys, err := ib.List(ctx, "blobs/")
	require.NoError(t, err)
	require.Equal(t, []string{"blobs/00/00"}, keys)

	h, rc, err := ib.ReadFramed(ctx, "blobs/00/00")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	require.Equal(t, int64(3), h.Size)

	require.NoError(t, ib.Delete(ctx, "blobs/00/00"))
	require.Same(t, fs, ib.Unwrap())
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{ErrNotFound, "not_found"},
		{ErrInvalidMagic, "corrupted"},
		{fmt.Errorf("reading payload: %w", ErrTruncated), "corrupted"},
		{context.Canceled, "cancelled"},
		{io.ErrUnexpectedEOF, "error"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, outcome(tt.err), "%v", tt.err)
	}
}

func TestInstrumentedBackendPropagatesInvalidKey(t *testing.T) {
	ib := NewInstrumentedBackend(newTestFilesystem(t), "filesystem")
	_, err := ib.List(context.Background(), "../up")
	require.ErrorIs(t, err, ErrInvalidKey)
}
