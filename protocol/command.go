// Package protocol defines the JSON wire format spoken between clients and
// the storage engine: tagged commands and events, request and response
// envelopes and structured storage errors.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dataplayground/storage-engine/backup"
	"github.com/dataplayground/storage-engine/notebook"
	"github.com/dataplayground/storage-engine/preferences"
)

// CommandType names a command on the wire.
type CommandType string

// Command types.
const (
	CmdCheckCache        CommandType = "check_cache"
	CmdCacheParquet      CommandType = "cache_parquet"
	CmdGetCachedParquet  CommandType = "get_cached_parquet"
	CmdEvictCache        CommandType = "evict_cache"
	CmdClearCache        CommandType = "clear_cache"
	CmdGetCacheStats     CommandType = "get_cache_stats"
	CmdSaveNotebook      CommandType = "save_notebook"
	CmdLoadNotebook      CommandType = "load_notebook"
	CmdDeleteNotebook    CommandType = "delete_notebook"
	CmdListNotebooks     CommandType = "list_notebooks"
	CmdExportNotebook    CommandType = "export_notebook"
	CmdImportNotebook    CommandType = "import_notebook"
	CmdGetPreferences    CommandType = "get_preferences"
	CmdUpdatePreferences CommandType = "update_preferences"
	CmdClearPreferences  CommandType = "clear_preferences"
	CmdGetQuota          CommandType = "get_quota"
	CmdRunCleanup        CommandType = "run_cleanup"
	CmdExportAll         CommandType = "export_all"
	CmdImportAll         CommandType = "import_all"
)

// CheckCache asks whether a URL is cached and still valid for an ETag.
type CheckCache struct {
	URL  string `json:"url"`
	ETag string `json:"etag,omitempty"`
}

// CacheParquet stores a fetched file.
type CacheParquet struct {
	URL        string `json:"url"`
	DataBase64 string `json:"data_base64"`
	ETag       string `json:"etag,omitempty"`
}

// URLRef names a cached URL.
type URLRef struct {
	URL string `json:"url"`
}

// SaveNotebook creates or replaces a notebook.
type SaveNotebook struct {
	Notebook *notebook.Notebook `json:"notebook"`
}

// NotebookRef names a notebook.
type NotebookRef struct {
	ID string `json:"id"`
}

// ImportNotebook carries a notebook encoded as JSON text.
type ImportNotebook struct {
	JSON string `json:"json"`
}

// UpdatePreferences replaces the stored preferences.
type UpdatePreferences struct {
	Preferences preferences.Preferences `json:"preferences"`
}

// RunCleanup frees at least TargetBytes of cache.
type RunCleanup struct {
	TargetBytes uint64 `json:"target_bytes"`
}

// ImportAll restores an export.
type ImportAll struct {
	Data backup.Data `json:"data"`
}

// Command is one inbound message. Payload holds a pointer to the payload
// struct for Type, or nil for commands without one.
type Command struct {
	Type    CommandType
	Payload any
}

// NewCommand returns a command of the given type.
func NewCommand(t CommandType, payload any) Command {
	return Command{Type: t, Payload: payload}
}

func newCommandPayload(t CommandType) (any, error) {
	switch t {
	case CmdCheckCache:
		return &CheckCache{}, nil
	case CmdCacheParquet:
		return &CacheParquet{}, nil
	case CmdGetCachedParquet, CmdEvictCache:
		return &URLRef{}, nil
	case CmdSaveNotebook:
		return &SaveNotebook{}, nil
	case CmdLoadNotebook, CmdDeleteNotebook, CmdExportNotebook:
		return &NotebookRef{}, nil
	case CmdImportNotebook:
		return &ImportNotebook{}, nil
	case CmdUpdatePreferences:
		return &UpdatePreferences{}, nil
	case CmdRunCleanup:
		return &RunCleanup{}, nil
	case CmdImportAll:
		return &ImportAll{}, nil
	case CmdClearCache, CmdGetCacheStats, CmdListNotebooks, CmdGetPreferences,
		CmdClearPreferences, CmdGetQuota, CmdExportAll:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", t)
	}
}

// MarshalJSON encodes the command as {"type": ..., "payload": ...}.
func (c Command) MarshalJSON() ([]byte, error) {
	return marshalTagged(string(c.Type), c.Payload)
}

// UnmarshalJSON decodes a tagged command, rejecting unknown types and
// missing payloads.
func (c *Command) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return err
	}
	t := CommandType(tag)
	payload, err := newCommandPayload(t)
	if err != nil {
		return err
	}
	if payload != nil {
		if len(raw) == 0 {
			return fmt.Errorf("command %s: missing payload", t)
		}
		if err := json.Unmarshal(raw, payload); err != nil {
			return fmt.Errorf("command %s: %w", t, err)
		}
	}
	c.Type = t
	c.Payload = payload
	return nil
}

type tagged struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func marshalTagged(tag string, payload any) ([]byte, error) {
	out := tagged{Type: tag}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		out.Payload = raw
	}
	return json.Marshal(out)
}

func unmarshalTagged(data []byte) (string, json.RawMessage, error) {
	var in tagged
	if err := json.Unmarshal(data, &in); err != nil {
		return "", nil, err
	}
	if in.Type == "" {
		return "", nil, fmt.Errorf("missing type")
	}
	if bytes.Equal(bytes.TrimSpace(in.Payload), []byte("null")) {
		in.Payload = nil
	}
	return in.Type, in.Payload, nil
}
