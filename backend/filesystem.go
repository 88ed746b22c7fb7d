package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for keys that are empty, absolute or escape the
// backend root.
var ErrInvalidKey = errors.New("invalid key")

const tempPrefix = ".tmp-"

// Filesystem implements FramedBackend on a local directory. A write lands in
// a temp file that is synced and renamed over the key, so a reader sees the
// old payload or the new one, never a mix.
type Filesystem struct {
	root string
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (f *Filesystem) Root() string {
	return f.root
}

// Write stores r at key.
func (f *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	return f.writeAtomic(ctx, key, func(w io.Writer) error {
		if _, err := io.Copy(w, r); err != nil {
			return fmt.Errorf("writing data: %w", err)
		}
		return nil
	})
}

// WriteFramed stores header and body at key.
func (f *Filesystem) WriteFramed(ctx context.Context, key string, header *PayloadHeader, body io.Reader) error {
	return f.writeAtomic(ctx, key, func(w io.Writer) error {
		return WriteFramed(w, header, body)
	})
}

func (f *Filesystem) writeAtomic(ctx context.Context, key string, fill func(io.Writer) error) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	committed = true

	// The rename is durable only once the directory entry is synced.
	return syncDir(dir)
}

// Read opens the value at key.
func (f *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(p) //nolint:gosec // path is confined to root
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return file, nil
}

// ReadFramed opens a framed payload and returns its header and body. The
// body reader closes the file.
func (f *Filesystem) ReadFramed(ctx context.Context, key string) (*PayloadHeader, io.ReadCloser, error) {
	rc, err := f.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	header, body, err := ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		return nil, nil, fmt.Errorf("%s: %w", key, err)
	}
	return header, struct {
		io.Reader
		io.Closer
	}{body, rc}, nil
}

// Delete removes key. Missing keys are not an error.
func (f *Filesystem) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key holds a value.
func (f *Filesystem) Exists(_ context.Context, key string) (bool, error) {
	p, err := f.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking %s: %w", key, err)
	}
}

// List returns every key under prefix, skipping in-flight temp files.
func (f *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir, err := f.path(prefix)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", prefix, err)
	}
	return keys, nil
}

// path maps a slash-separated key to a file under root.
func (f *Filesystem) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || strings.HasPrefix(key, "/") || clean != "/"+strings.TrimSuffix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean[1:])), nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // dir is under root
	if err != nil {
		return fmt.Errorf("opening directory %s: %w", dir, err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}

var (
	_ Backend       = (*Filesystem)(nil)
	_ FramedBackend = (*Filesystem)(nil)
)
