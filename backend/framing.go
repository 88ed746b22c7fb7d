package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Payload files are laid out as
//
//	"PQC1" | header length (uint32, big endian) | JSON PayloadHeader | body
//
// The header is written before the body so a reader can check the size and
// digest it is about to consume.

var (
	// MagicBytes is the 4-byte prefix for framed payload files.
	MagicBytes = []byte("PQC1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected PQC1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrTruncated is returned while reading a body shorter than its header
	// declares.
	ErrTruncated = errors.New("payload body truncated")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

const preambleSize = 8

// PayloadHeader describes the payload body that follows it.
type PayloadHeader struct {
	// Size is the body length in bytes.
	Size int64 `json:"size"`

	// Digest is the "sha256:<hex>" digest of the body.
	Digest string `json:"digest"`

	// StoredAt is when the blob was first written, in Unix milliseconds.
	StoredAt int64 `json:"stored_at"`
}

// IsFramingError reports whether err means a payload file is not a valid
// frame, as opposed to an I/O failure.
func IsFramingError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) || errors.Is(err, ErrHeaderTooLarge) || errors.Is(err, ErrTruncated)
}

// WriteFramed writes header and body to w. The body must be exactly
// header.Size bytes long.
func WriteFramed(w io.Writer, header *PayloadHeader, body io.Reader) error {
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(hdr) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	preamble := make([]byte, 0, preambleSize+len(hdr))
	preamble = append(preamble, MagicBytes...)
	preamble = binary.BigEndian.AppendUint32(preamble, uint32(len(hdr))) //nolint:gosec // bounded by MaxHeaderSize
	preamble = append(preamble, hdr...)
	if _, err := w.Write(preamble); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	if n != header.Size {
		return fmt.Errorf("writing body: wrote %d bytes, header declares %d", n, header.Size)
	}
	return nil
}

// ReadFramed parses the header from r and returns a reader over exactly
// header.Size body bytes. The body reader fails with ErrTruncated if r ends
// early.
func ReadFramed(r io.Reader) (*PayloadHeader, io.Reader, error) {
	var preamble [preambleSize]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, ErrInvalidMagic
		}
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(preamble[:4], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	size := binary.BigEndian.Uint32(preamble[4:])
	if size > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	hdr := make([]byte, size)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", ErrTruncated)
	}

	var header PayloadHeader
	if err := json.Unmarshal(hdr, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", ErrInvalidMagic)
	}
	if header.Size < 0 {
		return nil, nil, fmt.Errorf("negative body size %d: %w", header.Size, ErrInvalidMagic)
	}

	return &header, &sizedReader{r: r, remaining: header.Size}, nil
}

// sizedReader yields exactly remaining bytes of r.
type sizedReader struct {
	r         io.Reader
	remaining int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	if s.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	if errors.Is(err, io.EOF) && s.remaining > 0 {
		return n, ErrTruncated
	}
	if s.remaining == 0 && err == nil {
		err = io.EOF
	}
	return n, err
}
