package storageengine

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned when the host lacks the persistence capability
// an operation needs (for example no payload directory was configured).
var ErrNotSupported = errors.New("storage not supported")

// ErrNotFound matches any NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// QuotaExceededError is returned when a write cannot fit in the cache budget.
type QuotaExceededError struct {
	Required  uint64
	Available uint64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: required %d bytes, available %d bytes", e.Required, e.Available)
}

// NotFoundError is returned when a keyed record does not exist.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// CorruptedError is returned when stored bytes no longer match their digest.
type CorruptedError struct {
	Key     string
	Message string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("corrupted %s: %s", e.Key, e.Message)
}

// DatabaseError wraps a failure of the underlying storage medium.
type DatabaseError struct {
	Message string
	Err     error
}

func (e *DatabaseError) Error() string {
	if e.Err == nil {
		return "database error: " + e.Message
	}
	return fmt.Sprintf("database error: %s: %v", e.Message, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// SerializationError wraps an encode or decode failure.
type SerializationError struct {
	Message string
	Err     error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return "serialization error: " + e.Message
	}
	return fmt.Sprintf("serialization error: %s: %v", e.Message, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// NotFound is shorthand for &NotFoundError{Key: key}.
func NotFound(key string) error {
	return &NotFoundError{Key: key}
}

// Database wraps err as a DatabaseError unless it already carries one of the
// structured kinds.
func Database(message string, err error) error {
	if err == nil {
		return nil
	}
	if isStructured(err) {
		return err
	}
	return &DatabaseError{Message: message, Err: err}
}

func isStructured(err error) bool {
	var (
		qe *QuotaExceededError
		nf *NotFoundError
		ce *CorruptedError
		de *DatabaseError
		se *SerializationError
	)
	return errors.As(err, &qe) || errors.As(err, &nf) || errors.As(err, &ce) ||
		errors.As(err, &de) || errors.As(err, &se) || errors.Is(err, ErrNotSupported)
}
