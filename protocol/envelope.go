package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	storageengine "github.com/dataplayground/storage-engine"
)

// Request wraps a command with a correlation id.
type Request struct {
	ID        string  `json:"id"`
	Timestamp int64   `json:"timestamp"`
	Payload   Command `json:"payload"`
}

// NewRequest wraps cmd in a request with a fresh id.
func NewRequest(cmd Command) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   cmd,
	}
}

// Status is the outcome of a request.
type Status string

// Request outcomes.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is {"status":"ok","data":event} or {"status":"error","error":info}.
type Result struct {
	Status Status     `json:"status"`
	Data   *Event     `json:"data,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// OK wraps a successful event.
func OK(evt Event) Result {
	return Result{Status: StatusOK, Data: &evt}
}

// Failed wraps a request failure.
func Failed(info *ErrorInfo) Result {
	return Result{Status: StatusError, Error: info}
}

// ResultFor maps the event a command produced to a result. Error events
// become failed results carrying the storage error and the operation.
func ResultFor(evt Event) Result {
	if !evt.IsError() {
		return OK(evt)
	}
	body, ok := evt.Payload.(*ErrorBody)
	if !ok {
		return Failed(&ErrorInfo{Code: CodeUnknown, Message: "malformed error event"})
	}
	se := body.Error
	op := body.Operation
	return Failed(&ErrorInfo{
		Code:    se.Code(),
		Message: se.Error(),
		Details: &op,
		Storage: &se,
	})
}

// Response answers a request.
type Response struct {
	ID              string `json:"id"`
	Timestamp       int64  `json:"timestamp"`
	ExecutionTimeMS uint32 `json:"execution_time_ms"`
	Result          Result `json:"result"`
}

// NewResponse builds the response to request id for a command that started
// at start.
func NewResponse(id string, start time.Time, result Result) *Response {
	now := time.Now()
	elapsed := now.Sub(start).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return &Response{
		ID:              id,
		Timestamp:       now.UnixMilli(),
		ExecutionTimeMS: uint32(min(elapsed, int64(^uint32(0)))), //nolint:gosec // clamped
		Result:          result,
	}
}

// DecodeRequest parses a request. The error is a SerializationError.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &storageengine.SerializationError{Message: "decoding request", Err: err}
	}
	if req.Payload.Type == "" {
		return nil, &storageengine.SerializationError{Message: "request has no command"}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return &req, nil
}

// EncodeBase64 encodes payload bytes for the wire.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes payload bytes from the wire.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &storageengine.SerializationError{
			Message: fmt.Sprintf("decoding base64 payload (%d chars)", len(s)),
			Err:     err,
		}
	}
	return data, nil
}
