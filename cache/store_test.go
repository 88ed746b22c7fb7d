package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/backend"
	"github.com/dataplayground/storage-engine/eviction"
	"github.com/dataplayground/storage-engine/store"
	"github.com/dataplayground/storage-engine/store/metadb"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	store *Store
	db    *metadb.BoltDB
	fs    *backend.Filesystem
	cafs  *store.CAFS
	clock *testClock
}

func smallConfig() eviction.Config {
	return eviction.Config{MaxCacheSize: 100, TargetSize: 80, MinEntries: 1, MaxAgeSeconds: 3600}
}

func newTestEnv(t *testing.T, cfg eviction.Config) *testEnv {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	db := metadb.NewBoltDB(metadb.WithNoSync(true), metadb.WithNow(clock.Now))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	cafs := store.NewCAFS(backend.NewInstrumentedBackend(fs, "filesystem"))

	s, err := New(context.Background(), db, cfg, WithPayloads(cafs), WithNow(clock.Now))
	require.NoError(t, err)
	return &testEnv{store: s, db: db, fs: fs, cafs: cafs, clock: clock}
}

func payload(fill byte, n int) []byte {
	return bytes.Repeat([]byte{fill}, n)
}

func (e *testEnv) urls(t *testing.T) []string {
	t.Helper()
	entries, err := e.store.Entries(context.Background())
	require.NoError(t, err)
	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		urls = append(urls, entry.URL)
	}
	return urls
}

func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	hashes, err := e.cafs.List(context.Background())
	require.NoError(t, err)
	return len(hashes)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	defer func() { _ = db.Close() }()

	_, err := New(context.Background(), db, eviction.Config{MaxCacheSize: 100, TargetSize: 200, MaxAgeSeconds: 1})
	require.ErrorIs(t, err, eviction.ErrInvalidConfig)
}

func TestCheckValidationStates(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()
	url := "https://data.example.com/trips.parquet"

	v, entry, err := env.store.Check(ctx, url, "")
	require.NoError(t, err)
	require.Equal(t, Missing, v)
	require.Nil(t, entry)

	_, err = env.store.Put(ctx, url, payload('a', 10), "v1")
	require.NoError(t, err)

	v, entry, err = env.store.Check(ctx, url, "v1")
	require.NoError(t, err)
	require.Equal(t, Valid, v)
	require.Equal(t, "v1", entry.ETag)

	v, _, err = env.store.Check(ctx, url, "v2")
	require.NoError(t, err)
	require.Equal(t, Stale, v)

	v, _, err = env.store.Check(ctx, url, "")
	require.NoError(t, err)
	require.Equal(t, Valid, v)

	env.clock.Advance(time.Hour + time.Second)
	v, _, err = env.store.Check(ctx, url, "v1")
	require.NoError(t, err)
	require.Equal(t, Stale, v)
}

func TestCheckTokenWithoutStoredETag(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "u", payload('a', 10), "")
	require.NoError(t, err)

	v, _, err := env.store.Check(ctx, "u", "v1")
	require.NoError(t, err)
	require.Equal(t, Stale, v)
}

func TestCheckHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	put, err := env.store.Put(ctx, "u", payload('a', 10), "")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	_, entry, err := env.store.Check(ctx, "u", "")
	require.NoError(t, err)
	require.Equal(t, put.LastAccessed, entry.LastAccessed)
}

func TestPutGetRoundTrip(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()
	data := []byte("PAR1 columnar bytes PAR1")

	put, err := env.store.Put(ctx, "u", data, "etag-1")
	require.NoError(t, err)
	require.Equal(t, uint64(len(data)), put.Size)
	require.Equal(t, storageengine.ComputeDigest(data).String(), put.ContentHash)
	require.Equal(t, storageengine.HashBytes(data), put.Blob)
	require.Equal(t, env.clock.now, put.FetchedAt)

	env.clock.Advance(time.Minute)
	got, entry, err := env.store.Get(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, env.clock.now, entry.LastAccessed)
	require.Equal(t, put.FetchedAt, entry.FetchedAt)

	_, stored, err := env.store.Check(ctx, "u", "")
	require.NoError(t, err)
	require.Equal(t, env.clock.now, stored.LastAccessed)
}

func TestGetLastAccessIsMonotonic(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "u", payload('a', 10), "")
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	_, first, err := env.store.Get(ctx, "u")
	require.NoError(t, err)

	env.clock.Advance(-30 * time.Second)
	_, second, err := env.store.Get(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, first.LastAccessed, second.LastAccessed)
}

func TestGetMissing(t *testing.T) {
	env := newTestEnv(t, smallConfig())

	_, _, err := env.store.Get(context.Background(), "nope")
	var nf *storageengine.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "nope", nf.Key)
}

func TestGetDetectsCorruption(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	entry, err := env.store.Put(ctx, "u", payload('a', 20), "")
	require.NoError(t, err)

	path := filepath.Join(env.fs.Root(), filepath.FromSlash(storageengine.BlobStorageKey(entry.Blob)))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, _, err = env.store.Get(ctx, "u")
	var ce *storageengine.CorruptedError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "u", ce.Key)

	// The entry stays for inspection until evicted
	v, _, err := env.store.Check(ctx, "u", "")
	require.NoError(t, err)
	require.Equal(t, Valid, v)

	freed, err := env.store.Evict(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, uint64(20), freed)
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "u", payload('a', 101), "")
	var qe *storageengine.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, uint64(101), qe.Required)
	require.Equal(t, uint64(100), qe.Available)

	require.Empty(t, env.urls(t))
	require.Zero(t, env.store.ResidentBytes())
	require.Zero(t, env.blobCount(t))
}

func TestPutEvictsLeastRecentlyUsed(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	for i, url := range []string{"a", "b", "c"} {
		_, err := env.store.Put(ctx, url, payload(byte('a'+i), 40), "")
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	require.Equal(t, []string{"b", "c"}, env.urls(t))
	require.Equal(t, uint64(80), env.store.ResidentBytes())
	require.Equal(t, 2, env.blobCount(t))

	v, _, err := env.store.Check(ctx, "a", "")
	require.NoError(t, err)
	require.Equal(t, Missing, v)
}

func TestPutEvictionHonoursAccess(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	for i, url := range []string{"a", "b"} {
		_, err := env.store.Put(ctx, url, payload(byte('a'+i), 40), "")
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}
	_, _, err := env.store.Get(ctx, "a")
	require.NoError(t, err)
	env.clock.Advance(time.Second)

	_, err = env.store.Put(ctx, "c", payload('c', 40), "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, env.urls(t))
}

func TestPutFailsWhenMinEntriesProtect(t *testing.T) {
	cfg := eviction.Config{MaxCacheSize: 100, TargetSize: 50, MinEntries: 2, MaxAgeSeconds: 3600}
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for i, url := range []string{"a", "b"} {
		_, err := env.store.Put(ctx, url, payload(byte('a'+i), 40), "")
		require.NoError(t, err)
	}

	_, err := env.store.Put(ctx, "c", payload('c', 40), "")
	var qe *storageengine.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	require.Equal(t, uint64(20), qe.Available)

	require.Equal(t, []string{"a", "b"}, env.urls(t))
	require.Equal(t, uint64(80), env.store.ResidentBytes())
	require.Equal(t, 2, env.blobCount(t))
}

func TestPutReplacesEntry(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	first, err := env.store.Put(ctx, "u", payload('a', 30), "v1")
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	second, err := env.store.Put(ctx, "u", payload('b', 50), "v2")
	require.NoError(t, err)

	require.NotEqual(t, first.Blob, second.Blob)
	require.Equal(t, uint64(50), env.store.ResidentBytes())
	require.Equal(t, 1, env.blobCount(t))

	has, err := env.cafs.Has(ctx, first.Blob)
	require.NoError(t, err)
	require.False(t, has)

	got, _, err := env.store.Get(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, payload('b', 50), got)
}

func TestReplacementDoesNotCountOldSize(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "a", payload('a', 30), "")
	require.NoError(t, err)
	_, err = env.store.Put(ctx, "b", payload('b', 60), "")
	require.NoError(t, err)

	// 90 - 60 + 70 = 100 fits without evicting a
	_, err = env.store.Put(ctx, "b", payload('c', 70), "")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, env.urls(t))
	require.Equal(t, uint64(100), env.store.ResidentBytes())
}

func TestIdenticalPayloadsShareBlob(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()
	data := payload('z', 10)

	_, err := env.store.Put(ctx, "one", data, "")
	require.NoError(t, err)
	_, err = env.store.Put(ctx, "two", data, "")
	require.NoError(t, err)
	require.Equal(t, 1, env.blobCount(t))

	_, err = env.store.Evict(ctx, "one")
	require.NoError(t, err)
	require.Equal(t, 1, env.blobCount(t))

	got, _, err := env.store.Get(ctx, "two")
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = env.store.Evict(ctx, "two")
	require.NoError(t, err)
	require.Zero(t, env.blobCount(t))
}

func TestEvict(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "u", payload('a', 25), "")
	require.NoError(t, err)

	freed, err := env.store.Evict(ctx, "u")
	require.NoError(t, err)
	require.Equal(t, uint64(25), freed)
	require.Zero(t, env.store.ResidentBytes())

	_, err = env.store.Evict(ctx, "u")
	require.ErrorIs(t, err, storageengine.ErrNotFound)
}

func TestClearIsIdempotent(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "a", payload('a', 10), "")
	require.NoError(t, err)
	_, err = env.store.Put(ctx, "b", payload('b', 15), "")
	require.NoError(t, err)

	removed, freed, err := env.store.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Equal(t, uint64(25), freed)
	require.Zero(t, env.blobCount(t))

	removed, freed, err = env.store.Clear(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
	require.Zero(t, freed)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	stats, err := env.store.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.FileCount)
	require.Nil(t, stats.OldestEntry)
	require.Nil(t, stats.NewestEntry)

	first := env.clock.now
	_, err = env.store.Put(ctx, "a", payload('a', 10), "")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.store.Put(ctx, "b", payload('b', 20), "")
	require.NoError(t, err)

	stats, err = env.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), stats.FileCount)
	require.Equal(t, uint64(30), stats.TotalSize)
	require.Equal(t, first, *stats.OldestEntry)
	require.Equal(t, env.clock.now, *stats.NewestEntry)

	data, err := json.Marshal(stats)
	require.NoError(t, err)
	assert.JSONEq(t, `{"file_count":2,"total_size":30,"oldest_entry":`+
		jsonInt(first.UnixMilli())+`,"newest_entry":`+jsonInt(env.clock.now.UnixMilli())+`}`, string(data))
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestCleanupLRUOrder(t *testing.T) {
	cfg := eviction.Config{MaxCacheSize: 1000, TargetSize: 800, MinEntries: 0, MaxAgeSeconds: 3600}
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for i, url := range []string{"a", "b", "c"} {
		_, err := env.store.Put(ctx, url, payload(byte('a'+i), 10), "")
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	result, err := env.store.Cleanup(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, result.URLs())

	result, err = env.store.Cleanup(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, result.URLs())
	require.Equal(t, []string{"c"}, env.urls(t))
}

func TestCleanupKeepsMinEntries(t *testing.T) {
	cfg := eviction.Config{MaxCacheSize: 1000, TargetSize: 800, MinEntries: 2, MaxAgeSeconds: 3600}
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	for i, url := range []string{"a", "b", "c"} {
		_, err := env.store.Put(ctx, url, payload(byte('a'+i), 10), "")
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	result, err := env.store.Cleanup(ctx, 1000)
	require.NoError(t, err)
	require.True(t, result.Partial)
	require.Equal(t, uint64(10), result.BytesFreed)
	require.Len(t, env.urls(t), 2)
	require.Equal(t, uint64(20), env.store.ResidentBytes())
}

func TestMaintainRemovesExpired(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "old", payload('a', 10), "")
	require.NoError(t, err)
	env.clock.Advance(30 * time.Minute)
	_, err = env.store.Put(ctx, "new", payload('b', 10), "")
	require.NoError(t, err)
	env.clock.Advance(31 * time.Minute)

	result, err := env.store.Maintain(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, result.URLs())
	require.Equal(t, 1, result.Forced)
	require.Equal(t, []string{"new"}, env.urls(t))
}

func TestMaintainAfterShrinkingConfig(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	for i, url := range []string{"a", "b", "c"} {
		_, err := env.store.Put(ctx, url, payload(byte('a'+i), 30), "")
		require.NoError(t, err)
		env.clock.Advance(time.Second)
	}

	require.NoError(t, env.store.SetEvictionConfig(eviction.Config{
		MaxCacheSize: 50, TargetSize: 40, MinEntries: 0, MaxAgeSeconds: 3600,
	}))

	result, err := env.store.Maintain(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, result.URLs())
	require.Equal(t, uint64(30), env.store.ResidentBytes())
}

func TestSetEvictionConfigRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, smallConfig())

	err := env.store.SetEvictionConfig(eviction.Config{MaxCacheSize: 10, TargetSize: 10, MaxAgeSeconds: 1})
	require.ErrorIs(t, err, eviction.ErrInvalidConfig)
	require.Equal(t, smallConfig(), env.store.EvictionConfig())
}

func TestSetEvictionConfigWaitsForInFlightWrite(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	replacement := eviction.Config{MaxCacheSize: 50, TargetSize: 40, MinEntries: 1, MaxAgeSeconds: 3600}

	// Hold the write lock the way Put does for the length of its admission pass
	env.store.writeMu.Lock()
	done := make(chan error, 1)
	go func() { done <- env.store.SetEvictionConfig(replacement) }()

	select {
	case err := <-done:
		t.Fatalf("config replaced during a write: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, smallConfig(), env.store.EvictionConfig())

	env.store.writeMu.Unlock()
	require.NoError(t, <-done)
	require.Equal(t, replacement, env.store.EvictionConfig())
}

func TestRegisterTx(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	local, err := env.store.Put(ctx, "local", payload('a', 10), "v1")
	require.NoError(t, err)

	imported := []*Entry{
		{URL: "local", Size: 99, ETag: "other", FetchedAt: env.clock.now, LastAccessed: env.clock.now, ContentHash: "sha256:" + string(bytes.Repeat([]byte("0"), 64))},
		{URL: "remote", Size: 500, ETag: "v1", FetchedAt: env.clock.now, LastAccessed: env.clock.now, ContentHash: "sha256:" + string(bytes.Repeat([]byte("1"), 64))},
	}

	var registered []bool
	require.NoError(t, env.db.Update(ctx, func(tx *metadb.Tx) error {
		for _, e := range imported {
			ok, err := RegisterTx(tx, e)
			if err != nil {
				return err
			}
			registered = append(registered, ok)
		}
		return nil
	}))
	require.Equal(t, []bool{false, true}, registered)

	_, entry, err := env.store.Check(ctx, "local", "v1")
	require.NoError(t, err)
	require.Equal(t, local.Blob, entry.Blob)

	v, entry, err := env.store.Check(ctx, "remote", "v1")
	require.NoError(t, err)
	require.Equal(t, Missing, v)
	require.False(t, entry.HasPayload())

	_, _, err = env.store.Get(ctx, "remote")
	require.ErrorIs(t, err, storageengine.ErrNotFound)

	// Registered rows hold no resident bytes
	require.Equal(t, uint64(10), env.store.ResidentBytes())

	stats, err := env.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), stats.FileCount)
}

func TestReopenRestoresTotals(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	_, err := env.store.Put(ctx, "a", payload('a', 10), "")
	require.NoError(t, err)
	_, err = env.store.Put(ctx, "b", payload('b', 20), "")
	require.NoError(t, err)

	reopened, err := New(ctx, env.db, smallConfig(), WithPayloads(env.cafs), WithNow(env.clock.Now))
	require.NoError(t, err)
	require.Equal(t, uint64(30), reopened.ResidentBytes())
}

func TestUnreadableEntryDoesNotBlockListings(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()
	bad := "https://x/bad.parquet"

	_, err := env.store.Put(ctx, "a", payload('a', 40), "")
	require.NoError(t, err)
	require.NoError(t, env.db.Put(ctx, Collection, bad, []byte("{not json")))

	stats, err := env.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), stats.FileCount)
	require.Equal(t, []string{"a"}, env.urls(t))

	reopened, err := New(ctx, env.db, smallConfig(), WithPayloads(env.cafs), WithNow(env.clock.Now))
	require.NoError(t, err)
	require.Equal(t, uint64(40), reopened.ResidentBytes())

	// Admission eviction still runs with the bad row present
	env.clock.Advance(time.Minute)
	_, err = reopened.Put(ctx, "b", payload('b', 40), "")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = reopened.Put(ctx, "c", payload('c', 40), "")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, env.urls(t))

	_, err = reopened.Cleanup(ctx, 1)
	require.NoError(t, err)

	v, _, err := reopened.Check(ctx, "c", "")
	require.NoError(t, err)
	require.Equal(t, Valid, v)

	// The row stays until evicted explicitly
	_, err = env.db.Get(ctx, Collection, bad)
	require.NoError(t, err)
	freed, err := reopened.Evict(ctx, bad)
	require.NoError(t, err)
	require.Zero(t, freed)
	_, err = env.db.Get(ctx, Collection, bad)
	require.ErrorIs(t, err, metadb.ErrNotFound)
}

func TestSweepOrphans(t *testing.T) {
	env := newTestEnv(t, smallConfig())
	ctx := context.Background()

	kept, err := env.store.Put(ctx, "kept", payload('k', 10), "")
	require.NoError(t, err)

	// A payload written by a write that never committed
	_, err = env.cafs.Put(ctx, payload('s', 10))
	require.NoError(t, err)

	// A released blob whose payload survived
	released, err := env.cafs.Put(ctx, payload('r', 10))
	require.NoError(t, err)
	require.NoError(t, env.db.Update(ctx, func(tx *metadb.Tx) error {
		return tx.PutBlob(released.Hash.Ref(), released.Size)
	}))

	require.Equal(t, 3, env.blobCount(t))

	removed, err := env.store.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	hashes, err := env.cafs.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []storageengine.Hash{kept.Blob}, hashes)

	_, err = env.db.GetBlob(ctx, released.Hash.Ref())
	require.ErrorIs(t, err, metadb.ErrNotFound)
}

func TestWithoutPayloadStore(t *testing.T) {
	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	s, err := New(ctx, db, smallConfig())
	require.NoError(t, err)
	require.False(t, s.PayloadsSupported())

	_, err = s.Put(ctx, "u", []byte("x"), "")
	require.ErrorIs(t, err, storageengine.ErrNotSupported)

	_, _, err = s.Get(ctx, "u")
	require.ErrorIs(t, err, storageengine.ErrNotSupported)

	v, _, err := s.Check(ctx, "u", "")
	require.NoError(t, err)
	require.Equal(t, Missing, v)

	removed, err := s.SweepOrphans(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestEntryJSON(t *testing.T) {
	at := time.UnixMilli(1767225600123).UTC()
	e := Entry{
		URL:          "https://data.example.com/a.parquet",
		Size:         42,
		FetchedAt:    at,
		LastAccessed: at.Add(time.Second),
		ContentHash:  "sha256:" + string(bytes.Repeat([]byte("a"), 64)),
		Blob:         storageengine.HashBytes([]byte("x")),
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"url": "https://data.example.com/a.parquet",
		"size": 42,
		"fetched_at": 1767225600123,
		"last_accessed": 1767225601123,
		"content_hash": "sha256:`+string(bytes.Repeat([]byte("a"), 64))+`"
	}`, string(data))

	var decoded Entry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.False(t, decoded.HasPayload())
	require.Equal(t, e.FetchedAt, decoded.FetchedAt)
	require.Equal(t, e.LastAccessed, decoded.LastAccessed)
}

func TestMapError(t *testing.T) {
	err := mapError("op", "k", metadb.ErrNotFound)
	require.ErrorIs(t, err, storageengine.ErrNotFound)

	err = mapError("op", "k", metadb.ErrCorrupted)
	var ce *storageengine.CorruptedError
	require.ErrorAs(t, err, &ce)

	err = mapError("op", "k", errors.New("disk on fire"))
	var de *storageengine.DatabaseError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "op", de.Message)
}
