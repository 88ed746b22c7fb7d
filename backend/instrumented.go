package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dataplayground/storage-engine/telemetry"
)

// InstrumentedBackend records the latency, outcome and bytes of every
// operation on a FramedBackend.
type InstrumentedBackend struct {
	backend FramedBackend
	name    string
}

// NewInstrumentedBackend wraps b; name labels its metrics.
func NewInstrumentedBackend(b FramedBackend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

// observe records op once fn returns. bytes is read after fn so it can count
// a stream fn consumed.
func (ib *InstrumentedBackend) observe(ctx context.Context, op string, bytes *int64, fn func() error) error {
	start := time.Now()
	err := fn()
	var n int64
	if bytes != nil {
		n = *bytes
	}
	telemetry.RecordBackendOp(ctx, ib.name, op, outcome(err), time.Since(start), n)
	return err
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	cr := &countingReader{r: r}
	return ib.observe(ctx, "write", &cr.n, func() error {
		return ib.backend.Write(ctx, key, cr)
	})
}

func (ib *InstrumentedBackend) WriteFramed(ctx context.Context, key string, header *PayloadHeader, body io.Reader) error {
	cr := &countingReader{r: body}
	return ib.observe(ctx, "write_framed", &cr.n, func() error {
		return ib.backend.WriteFramed(ctx, key, header, cr)
	})
}

func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	err = ib.observe(ctx, "read", nil, func() error {
		rc, err = ib.backend.Read(ctx, key)
		return err
	})
	return rc, err
}

// ReadFramed records the declared payload size as the bytes read.
func (ib *InstrumentedBackend) ReadFramed(ctx context.Context, key string) (header *PayloadHeader, rc io.ReadCloser, err error) {
	var size int64
	err = ib.observe(ctx, "read_framed", &size, func() error {
		header, rc, err = ib.backend.ReadFramed(ctx, key)
		if header != nil {
			size = header.Size
		}
		return err
	})
	return header, rc, err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	return ib.observe(ctx, "delete", nil, func() error {
		return ib.backend.Delete(ctx, key)
	})
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = ib.observe(ctx, "exists", nil, func() error {
		ok, err = ib.backend.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) (keys []string, err error) {
	err = ib.observe(ctx, "list", nil, func() error {
		keys, err = ib.backend.List(ctx, prefix)
		return err
	})
	return keys, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() FramedBackend {
	return ib.backend
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case IsFramingError(err):
		return "corrupted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ FramedBackend = (*InstrumentedBackend)(nil)
