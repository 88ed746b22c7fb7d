package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dataplayground/storage-engine/backup"
	"github.com/dataplayground/storage-engine/cache"
	"github.com/dataplayground/storage-engine/notebook"
	"github.com/dataplayground/storage-engine/preferences"
	"github.com/dataplayground/storage-engine/quota"
)

// EventType names an event on the wire.
type EventType string

// Event types.
const (
	EvtCacheStatus         EventType = "cache_status"
	EvtParquetCached       EventType = "parquet_cached"
	EvtCachedParquetLoaded EventType = "cached_parquet_loaded"
	EvtCacheEvicted        EventType = "cache_evicted"
	EvtCacheCleared        EventType = "cache_cleared"
	EvtCacheStats          EventType = "cache_stats"
	EvtNotebookSaved       EventType = "notebook_saved"
	EvtNotebookLoaded      EventType = "notebook_loaded"
	EvtNotebookDeleted     EventType = "notebook_deleted"
	EvtNotebookList        EventType = "notebook_list"
	EvtNotebookExported    EventType = "notebook_exported"
	EvtNotebookImported    EventType = "notebook_imported"
	EvtPreferencesLoaded   EventType = "preferences_loaded"
	EvtPreferencesUpdated  EventType = "preferences_updated"
	EvtPreferencesCleared  EventType = "preferences_cleared"
	EvtQuotaInfo           EventType = "quota_info"
	EvtCleanupCompleted    EventType = "cleanup_completed"
	EvtDataExported        EventType = "data_exported"
	EvtDataImported        EventType = "data_imported"
	EvtError               EventType = "error"
	EvtQuotaWarning        EventType = "quota_warning"
)

// CacheStatus reports the validity of a cached URL.
type CacheStatus struct {
	URL      string           `json:"url"`
	Status   cache.Validation `json:"status"`
	Metadata *cache.Entry     `json:"metadata,omitempty"`
}

// ParquetCached confirms a stored file.
type ParquetCached struct {
	URL  string `json:"url"`
	Size uint64 `json:"size"`
}

// CachedParquetLoaded carries a cached file.
type CachedParquetLoaded struct {
	URL        string       `json:"url"`
	DataBase64 string       `json:"data_base64"`
	Metadata   *cache.Entry `json:"metadata"`
}

// CacheEvicted confirms an explicit eviction.
type CacheEvicted struct {
	URL        string `json:"url"`
	FreedBytes uint64 `json:"freed_bytes"`
}

// Removed reports how many entries a clear or cleanup removed.
type Removed struct {
	EntriesRemoved uint32 `json:"entries_removed"`
	BytesFreed     uint64 `json:"bytes_freed"`
}

// NotebookSaved confirms a save.
type NotebookSaved struct {
	ID        string `json:"id"`
	UpdatedAt int64  `json:"updated_at"`
}

// NotebookBody carries a whole notebook.
type NotebookBody struct {
	Notebook *notebook.Notebook `json:"notebook"`
}

// NotebookList carries notebook summaries.
type NotebookList struct {
	Notebooks []notebook.Summary `json:"notebooks"`
}

// NotebookExported carries a notebook encoded as JSON text.
type NotebookExported struct {
	ID   string `json:"id"`
	JSON string `json:"json"`
}

// PreferencesBody carries the user preferences.
type PreferencesBody struct {
	Preferences *preferences.Preferences `json:"preferences"`
}

// DataExported carries a full export.
type DataExported struct {
	Data *backup.Data `json:"data"`
}

// DataImported reports what an import wrote.
type DataImported struct {
	NotebooksCount    uint32 `json:"notebooks_count"`
	CacheEntriesCount uint32 `json:"cache_entries_count"`
}

// ErrorBody reports a failed command.
type ErrorBody struct {
	Operation string       `json:"operation"`
	Error     StorageError `json:"error"`
}

// Event is one outbound message. Payload holds a pointer to the payload
// struct for Type, or nil for events without one.
type Event struct {
	Type    EventType
	Payload any
}

// NewEvent returns an event of the given type.
func NewEvent(t EventType, payload any) Event {
	return Event{Type: t, Payload: payload}
}

// ErrorEvent converts err into an error event for operation.
func ErrorEvent(operation string, err error) Event {
	return Event{Type: EvtError, Payload: &ErrorBody{Operation: operation, Error: FromError(err)}}
}

// IsError reports whether e is an error event.
func (e Event) IsError() bool {
	return e.Type == EvtError
}

func newEventPayload(t EventType) (any, error) {
	switch t {
	case EvtCacheStatus:
		return &CacheStatus{}, nil
	case EvtParquetCached:
		return &ParquetCached{}, nil
	case EvtCachedParquetLoaded:
		return &CachedParquetLoaded{}, nil
	case EvtCacheEvicted:
		return &CacheEvicted{}, nil
	case EvtCacheCleared, EvtCleanupCompleted:
		return &Removed{}, nil
	case EvtCacheStats:
		return &cache.Stats{}, nil
	case EvtNotebookSaved:
		return &NotebookSaved{}, nil
	case EvtNotebookLoaded, EvtNotebookImported:
		return &NotebookBody{}, nil
	case EvtNotebookDeleted:
		return &NotebookRef{}, nil
	case EvtNotebookList:
		return &NotebookList{}, nil
	case EvtNotebookExported:
		return &NotebookExported{}, nil
	case EvtPreferencesLoaded, EvtPreferencesUpdated:
		return &PreferencesBody{}, nil
	case EvtQuotaInfo:
		return &quota.Snapshot{}, nil
	case EvtDataExported:
		return &DataExported{}, nil
	case EvtDataImported:
		return &DataImported{}, nil
	case EvtError:
		return &ErrorBody{}, nil
	case EvtQuotaWarning:
		return &quota.Warning{}, nil
	case EvtPreferencesCleared:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

// MarshalJSON encodes the event as {"type": ..., "payload": ...}.
func (e Event) MarshalJSON() ([]byte, error) {
	return marshalTagged(string(e.Type), e.Payload)
}

// UnmarshalJSON decodes a tagged event.
func (e *Event) UnmarshalJSON(data []byte) error {
	tag, raw, err := unmarshalTagged(data)
	if err != nil {
		return err
	}
	t := EventType(tag)
	payload, err := newEventPayload(t)
	if err != nil {
		return err
	}
	if payload != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, payload); err != nil {
			return fmt.Errorf("event %s: %w", t, err)
		}
	}
	e.Type = t
	e.Payload = payload
	return nil
}
