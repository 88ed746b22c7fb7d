// Package telemetry provides request tagging and OpenTelemetry metrics for
// the storage engine.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// commandKey is the context key for propagating the command being executed.
	commandKey contextKey = "command"
)

// CacheResult represents the outcome of a cache validity check.
type CacheResult string

const (
	CacheValid   CacheResult = "valid"
	CacheStale   CacheResult = "stale"
	CacheMissing CacheResult = "missing"
	CacheNA      CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Command     string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCommand sets the command tag for metrics and logging.
func SetCommand(r *http.Request, command string) {
	if tags := GetTags(r); tags != nil {
		tags.Command = command
	}
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(ctx context.Context, result CacheResult) {
	if tags := TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}

// CommandFromContext retrieves the command from a context.
// It checks both background contexts (set by WithCommandContext) and
// request contexts (set by SetCommand via InjectTags).
func CommandFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(commandKey).(string); ok && c != "" {
		return c
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Command
	}
	return ""
}

// WithCommandContext returns a context with the command stored.
// Use this to attribute work done on the dispatcher goroutine to the command
// that caused it.
func WithCommandContext(ctx context.Context, command string) context.Context {
	return context.WithValue(ctx, commandKey, command)
}
