package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/cache"
	"github.com/dataplayground/storage-engine/quota"
)

func TestCommandJSON(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "check cache with etag",
			cmd:  NewCommand(CmdCheckCache, &CheckCache{URL: "https://x/a.parquet", ETag: "v1"}),
			want: `{"type":"check_cache","payload":{"url":"https://x/a.parquet","etag":"v1"}}`,
		},
		{
			name: "check cache without etag",
			cmd:  NewCommand(CmdCheckCache, &CheckCache{URL: "https://x/a.parquet"}),
			want: `{"type":"check_cache","payload":{"url":"https://x/a.parquet"}}`,
		},
		{
			name: "unit command",
			cmd:  NewCommand(CmdClearCache, nil),
			want: `{"type":"clear_cache"}`,
		},
		{
			name: "run cleanup",
			cmd:  NewCommand(CmdRunCleanup, &RunCleanup{TargetBytes: 1024}),
			want: `{"type":"run_cleanup","payload":{"target_bytes":1024}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var decoded Command
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.cmd, decoded)
		})
	}
}

func TestCommandUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown type", `{"type":"drop_tables"}`},
		{"missing type", `{"payload":{}}`},
		{"missing payload", `{"type":"evict_cache"}`},
		{"null payload", `{"type":"evict_cache","payload":null}`},
		{"bad payload", `{"type":"run_cleanup","payload":{"target_bytes":"lots"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Command
			require.Error(t, json.Unmarshal([]byte(tt.input), &c))
		})
	}
}

func TestEveryCommandTypeDecodes(t *testing.T) {
	types := []CommandType{
		CmdCheckCache, CmdCacheParquet, CmdGetCachedParquet, CmdEvictCache, CmdClearCache,
		CmdGetCacheStats, CmdSaveNotebook, CmdLoadNotebook, CmdDeleteNotebook, CmdListNotebooks,
		CmdExportNotebook, CmdImportNotebook, CmdGetPreferences, CmdUpdatePreferences,
		CmdClearPreferences, CmdGetQuota, CmdRunCleanup, CmdExportAll, CmdImportAll,
	}
	for _, ct := range types {
		payload, err := newCommandPayload(ct)
		require.NoError(t, err, ct)

		input := fmt.Sprintf(`{"type":%q}`, ct)
		if payload != nil {
			input = fmt.Sprintf(`{"type":%q,"payload":{}}`, ct)
		}
		var c Command
		require.NoError(t, json.Unmarshal([]byte(input), &c), ct)
		require.Equal(t, ct, c.Type)
	}
}

func TestUpdatePreferencesPayloadDefaults(t *testing.T) {
	var c Command
	require.NoError(t, json.Unmarshal([]byte(`{"type":"update_preferences","payload":{"preferences":{"theme":"Dark"}}}`), &c))

	p, ok := c.Payload.(*UpdatePreferences)
	require.True(t, ok)
	require.Equal(t, "Dark", string(p.Preferences.Theme))
	require.Equal(t, uint32(14), p.Preferences.Editor.FontSize)
}

func TestEventJSON(t *testing.T) {
	fetched := time.UnixMilli(1_700_000_000_000).UTC()
	entry := &cache.Entry{URL: "https://x/a.parquet", Size: 40, FetchedAt: fetched, LastAccessed: fetched, ContentHash: "sha256:00"}

	tests := []struct {
		name string
		evt  Event
		want string
	}{
		{
			name: "cache status missing",
			evt:  NewEvent(EvtCacheStatus, &CacheStatus{URL: "https://x/a.parquet", Status: cache.Missing}),
			want: `{"type":"cache_status","payload":{"url":"https://x/a.parquet","status":"Missing"}}`,
		},
		{
			name: "cache status with metadata",
			evt:  NewEvent(EvtCacheStatus, &CacheStatus{URL: entry.URL, Status: cache.Valid, Metadata: entry}),
			want: `{"type":"cache_status","payload":{"url":"https://x/a.parquet","status":"Valid","metadata":{"url":"https://x/a.parquet","size":40,"fetched_at":1700000000000,"last_accessed":1700000000000,"content_hash":"sha256:00"}}}`,
		},
		{
			name: "cache cleared",
			evt:  NewEvent(EvtCacheCleared, &Removed{EntriesRemoved: 2, BytesFreed: 80}),
			want: `{"type":"cache_cleared","payload":{"entries_removed":2,"bytes_freed":80}}`,
		},
		{
			name: "preferences cleared",
			evt:  NewEvent(EvtPreferencesCleared, nil),
			want: `{"type":"preferences_cleared"}`,
		},
		{
			name: "quota warning",
			evt:  NewEvent(EvtQuotaWarning, &quota.Warning{Used: 95, Total: 100, Percent: 95}),
			want: `{"type":"quota_warning","payload":{"used":95,"total":100,"percent":95}}`,
		},
		{
			name: "error",
			evt:  ErrorEvent("evict_cache", storageengine.NotFound("https://x/a.parquet")),
			want: `{"type":"error","payload":{"operation":"evict_cache","error":{"type":"not_found","details":{"key":"https://x/a.parquet"}}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.evt)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var decoded Event
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.evt.Type, decoded.Type)

			again, err := json.Marshal(decoded)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(again))
		})
	}
}

func TestStorageErrorJSON(t *testing.T) {
	tests := []struct {
		name string
		err  StorageError
		want string
	}{
		{"quota", StorageError{Kind: KindQuotaExceeded, Required: 101, Available: 100}, `{"type":"quota_exceeded","details":{"required":101,"available":100}}`},
		{"not found", StorageError{Kind: KindNotFound, Key: "k"}, `{"type":"not_found","details":{"key":"k"}}`},
		{"corrupted", StorageError{Kind: KindCorrupted, Key: "k", Message: "content hash mismatch"}, `{"type":"corrupted","details":{"key":"k","message":"content hash mismatch"}}`},
		{"database", StorageError{Kind: KindDatabaseError, Message: "disk full"}, `{"type":"database_error","details":{"message":"disk full"}}`},
		{"serialization", StorageError{Kind: KindSerializationError, Message: "bad json"}, `{"type":"serialization_error","details":{"message":"bad json"}}`},
		{"not supported", StorageError{Kind: KindNotSupported}, `{"type":"not_supported"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.err)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))

			var decoded StorageError
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, tt.err, decoded)
		})
	}

	var se StorageError
	require.Error(t, json.Unmarshal([]byte(`{"type":"exploded"}`), &se))
	require.Error(t, json.Unmarshal([]byte(`{"type":"not_found"}`), &se))
	_, err := json.Marshal(StorageError{Kind: "exploded"})
	require.Error(t, err)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
		code ErrorCode
	}{
		{"quota", &storageengine.QuotaExceededError{Required: 2, Available: 1}, KindQuotaExceeded, CodeLimitExceeded},
		{"wrapped not found", fmt.Errorf("loading: %w", storageengine.NotFound("nb")), KindNotFound, CodeNotFound},
		{"corrupted", &storageengine.CorruptedError{Key: "k", Message: "m"}, KindCorrupted, CodeStorageError},
		{"not supported", fmt.Errorf("put: %w", storageengine.ErrNotSupported), KindNotSupported, CodeStorageError},
		{"serialization", &storageengine.SerializationError{Message: "decoding"}, KindSerializationError, CodeParseError},
		{"database", storageengine.Database("writing", errors.New("disk full")), KindDatabaseError, CodeStorageError},
		{"plain", errors.New("boom"), KindDatabaseError, CodeStorageError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := FromError(tt.err)
			require.Equal(t, tt.kind, se.Kind)
			require.Equal(t, tt.code, se.Code())
		})
	}

	se := FromError(&storageengine.QuotaExceededError{Required: 2, Available: 1})
	var qe *storageengine.QuotaExceededError
	require.ErrorAs(t, se.Err(), &qe)
	require.Equal(t, uint64(1), qe.Available)
	require.ErrorIs(t, FromError(storageengine.NotFound("x")).Err(), storageengine.ErrNotFound)
}

func TestErrorInfoFor(t *testing.T) {
	info := ErrorInfoFor(context.Canceled)
	require.Equal(t, CodeCancelled, info.Code)
	require.Nil(t, info.Storage)

	info = ErrorInfoFor(storageengine.NotFound("nb-1"))
	require.Equal(t, CodeNotFound, info.Code)
	require.NotNil(t, info.Storage)
	require.Equal(t, "nb-1", info.Storage.Key)
}

func TestRequestResponseJSON(t *testing.T) {
	req := NewRequest(NewCommand(CmdEvictCache, &URLRef{URL: "https://x/a.parquet"}))
	require.NotEmpty(t, req.ID)

	data, err := json.Marshal(req)
	require.NoError(t, err)

	decoded, err := DecodeRequest(data)
	require.NoError(t, err)
	require.Equal(t, req.ID, decoded.ID)
	require.Equal(t, req.Payload, decoded.Payload)

	resp := NewResponse(req.ID, time.Now(), ResultFor(NewEvent(EvtCacheEvicted, &CacheEvicted{URL: "https://x/a.parquet", FreedBytes: 40})))
	data, err = json.Marshal(resp)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, req.ID, raw["id"])
	result := raw["result"].(map[string]any)
	require.Equal(t, "ok", result["status"])
	require.NotContains(t, result, "error")
	require.Equal(t, "cache_evicted", result["data"].(map[string]any)["type"])

	var back Response
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, StatusOK, back.Result.Status)
	require.Equal(t, EvtCacheEvicted, back.Result.Data.Type)
}

func TestResultForErrorEvent(t *testing.T) {
	result := ResultFor(ErrorEvent("cache_parquet", &storageengine.QuotaExceededError{Required: 101, Available: 100}))
	require.Equal(t, StatusError, result.Status)
	require.Nil(t, result.Data)
	require.Equal(t, CodeLimitExceeded, result.Error.Code)
	require.Equal(t, "cache_parquet", *result.Error.Details)

	data, err := json.Marshal(result)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"status":"error",
		"error":{
			"code":"LimitExceeded",
			"message":"quota exceeded: required 101 bytes, available 100 bytes",
			"details":"cache_parquet",
			"storage":{"type":"quota_exceeded","details":{"required":101,"available":100}}
		}
	}`, string(data))
}

func TestDecodeRequestRejects(t *testing.T) {
	var se *storageengine.SerializationError

	_, err := DecodeRequest([]byte(`not json`))
	require.ErrorAs(t, err, &se)

	_, err = DecodeRequest([]byte(`{"id":"1","timestamp":0}`))
	require.ErrorAs(t, err, &se)

	req, err := DecodeRequest([]byte(`{"timestamp":0,"payload":{"type":"get_quota"}}`))
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)
}

func TestBase64(t *testing.T) {
	data := []byte("PAR1\x00\x01\x02")
	decoded, err := DecodeBase64(EncodeBase64(data))
	require.NoError(t, err)
	require.Equal(t, data, decoded)

	_, err = DecodeBase64("%%%")
	var se *storageengine.SerializationError
	require.ErrorAs(t, err, &se)
}
