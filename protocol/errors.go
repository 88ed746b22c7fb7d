package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	storageengine "github.com/dataplayground/storage-engine"
)

// ErrorKind names a storage error on the wire.
type ErrorKind string

// Storage error kinds.
const (
	KindQuotaExceeded      ErrorKind = "quota_exceeded"
	KindNotFound           ErrorKind = "not_found"
	KindCorrupted          ErrorKind = "corrupted"
	KindDatabaseError      ErrorKind = "database_error"
	KindSerializationError ErrorKind = "serialization_error"
	KindNotSupported       ErrorKind = "not_supported"
)

// StorageError is the wire form of a storage failure, encoded as
// {"type": kind, "details": {...}}. Only the fields of Kind are encoded.
type StorageError struct {
	Kind      ErrorKind
	Required  uint64
	Available uint64
	Key       string
	Message   string
}

type quotaDetails struct {
	Required  uint64 `json:"required"`
	Available uint64 `json:"available"`
}

type keyDetails struct {
	Key string `json:"key"`
}

type corruptedDetails struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type messageDetails struct {
	Message string `json:"message"`
}

type taggedError struct {
	Type    ErrorKind       `json:"type"`
	Details json.RawMessage `json:"details,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e StorageError) MarshalJSON() ([]byte, error) {
	var details any
	switch e.Kind {
	case KindQuotaExceeded:
		details = quotaDetails{Required: e.Required, Available: e.Available}
	case KindNotFound:
		details = keyDetails{Key: e.Key}
	case KindCorrupted:
		details = corruptedDetails{Key: e.Key, Message: e.Message}
	case KindDatabaseError, KindSerializationError:
		details = messageDetails{Message: e.Message}
	case KindNotSupported:
	default:
		return nil, fmt.Errorf("unknown storage error kind %q", e.Kind)
	}

	out := taggedError{Type: e.Kind}
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, err
		}
		out.Details = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *StorageError) UnmarshalJSON(data []byte) error {
	var in taggedError
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	out := StorageError{Kind: in.Type}
	decode := func(v any) error {
		if len(in.Details) == 0 {
			return fmt.Errorf("storage error %s: missing details", in.Type)
		}
		return json.Unmarshal(in.Details, v)
	}

	switch in.Type {
	case KindQuotaExceeded:
		var d quotaDetails
		if err := decode(&d); err != nil {
			return err
		}
		out.Required, out.Available = d.Required, d.Available
	case KindNotFound:
		var d keyDetails
		if err := decode(&d); err != nil {
			return err
		}
		out.Key = d.Key
	case KindCorrupted:
		var d corruptedDetails
		if err := decode(&d); err != nil {
			return err
		}
		out.Key, out.Message = d.Key, d.Message
	case KindDatabaseError, KindSerializationError:
		var d messageDetails
		if err := decode(&d); err != nil {
			return err
		}
		out.Message = d.Message
	case KindNotSupported:
	default:
		return fmt.Errorf("unknown storage error kind %q", in.Type)
	}

	*e = out
	return nil
}

// FromError classifies err into its wire form. Errors outside the storage
// kinds are reported as database errors.
func FromError(err error) StorageError {
	var (
		qe *storageengine.QuotaExceededError
		nf *storageengine.NotFoundError
		ce *storageengine.CorruptedError
		se *storageengine.SerializationError
		de *storageengine.DatabaseError
	)
	switch {
	case err == nil:
		return StorageError{Kind: KindDatabaseError, Message: "unknown error"}
	case errors.As(err, &qe):
		return StorageError{Kind: KindQuotaExceeded, Required: qe.Required, Available: qe.Available}
	case errors.As(err, &nf):
		return StorageError{Kind: KindNotFound, Key: nf.Key}
	case errors.As(err, &ce):
		return StorageError{Kind: KindCorrupted, Key: ce.Key, Message: ce.Message}
	case errors.Is(err, storageengine.ErrNotSupported):
		return StorageError{Kind: KindNotSupported}
	case errors.As(err, &se):
		return StorageError{Kind: KindSerializationError, Message: err.Error()}
	case errors.As(err, &de):
		return StorageError{Kind: KindDatabaseError, Message: err.Error()}
	default:
		return StorageError{Kind: KindDatabaseError, Message: err.Error()}
	}
}

// Err converts the wire form back into the matching error type.
func (e StorageError) Err() error {
	switch e.Kind {
	case KindQuotaExceeded:
		return &storageengine.QuotaExceededError{Required: e.Required, Available: e.Available}
	case KindNotFound:
		return &storageengine.NotFoundError{Key: e.Key}
	case KindCorrupted:
		return &storageengine.CorruptedError{Key: e.Key, Message: e.Message}
	case KindSerializationError:
		return &storageengine.SerializationError{Message: e.Message}
	case KindNotSupported:
		return storageengine.ErrNotSupported
	default:
		return &storageengine.DatabaseError{Message: e.Message}
	}
}

// Error implements error.
func (e StorageError) Error() string {
	return e.Err().Error()
}

// ErrorCode classifies a failed request for programmatic handling.
type ErrorCode string

// Error codes.
const (
	CodeNotFound      ErrorCode = "NotFound"
	CodeInvalidQuery  ErrorCode = "InvalidQuery"
	CodeParseError    ErrorCode = "ParseError"
	CodeNetworkError  ErrorCode = "NetworkError"
	CodeStorageError  ErrorCode = "StorageError"
	CodeAuthError     ErrorCode = "AuthError"
	CodeCancelled     ErrorCode = "Cancelled"
	CodeLimitExceeded ErrorCode = "LimitExceeded"
	CodeUnknown       ErrorCode = "Unknown"
)

// Code maps a storage error kind to its request error code.
func (e StorageError) Code() ErrorCode {
	switch e.Kind {
	case KindNotFound:
		return CodeNotFound
	case KindQuotaExceeded:
		return CodeLimitExceeded
	case KindSerializationError:
		return CodeParseError
	case KindCorrupted, KindDatabaseError, KindNotSupported:
		return CodeStorageError
	default:
		return CodeUnknown
	}
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    ErrorCode     `json:"code"`
	Message string        `json:"message"`
	Details *string       `json:"details,omitempty"`
	Storage *StorageError `json:"storage,omitempty"`
}

// ErrorInfoFor builds the error info for err. Cancellation and deadline
// errors map to Cancelled; everything else is classified as a storage error.
func ErrorInfoFor(err error) *ErrorInfo {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ErrorInfo{Code: CodeCancelled, Message: err.Error()}
	}
	se := FromError(err)
	return &ErrorInfo{Code: se.Code(), Message: err.Error(), Storage: &se}
}
