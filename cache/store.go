// Package cache stores fetched remote files keyed by source URL. Metadata
// lives in the record store, payload bytes in the content-addressable store,
// and the total resident size is kept under the eviction budget.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	storageengine "github.com/dataplayground/storage-engine"
	"github.com/dataplayground/storage-engine/backend"
	"github.com/dataplayground/storage-engine/eviction"
	"github.com/dataplayground/storage-engine/store"
	"github.com/dataplayground/storage-engine/store/metadb"
	"github.com/dataplayground/storage-engine/telemetry"
)

// Collection is the record store collection holding cache entries.
const Collection = "cache"

const (
	indexFetchedAt    = "fetched_at"
	indexLastAccessed = "last_accessed"
)

// Store manages cache entries and their payloads.
//
// Mutations are serialised; reads run against consistent snapshots of the
// record store and may proceed concurrently with them.
type Store struct {
	db       *metadb.BoltDB
	payloads store.Store
	logger   *slog.Logger
	now      func() time.Time

	writeMu sync.Mutex

	mu       sync.RWMutex
	cfg      eviction.Config
	resident uint64
	count    int
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithPayloads sets the payload store. Without one, operations that need
// payload bytes fail with storageengine.ErrNotSupported.
func WithPayloads(payloads store.Store) Option {
	return func(s *Store) {
		s.payloads = payloads
	}
}

// New opens a cache over an open record store. Blob reference counts are
// verified and rebuilt if they drifted, and the resident size is loaded.
func New(ctx context.Context, db *metadb.BoltDB, cfg eviction.Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache")

	if err := s.repairRefcounts(ctx); err != nil {
		return nil, err
	}
	if err := s.loadTotals(ctx); err != nil {
		return nil, err
	}

	s.logger.Debug("cache opened",
		"entries", s.count,
		"resident_bytes", s.resident,
		"payloads", s.payloads != nil,
	)
	s.publishState(ctx)
	return s, nil
}

// PayloadsSupported reports whether a payload store is configured.
func (s *Store) PayloadsSupported() bool {
	return s.payloads != nil
}

// EvictionConfig returns the current eviction configuration.
func (s *Store) EvictionConfig() eviction.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// SetEvictionConfig replaces the eviction configuration. Entries over the new
// budget are removed by the next cleanup or maintenance pass.
func (s *Store) SetEvictionConfig(cfg eviction.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.writeMu.Lock()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.writeMu.Unlock()
	s.logger.Info("eviction config replaced",
		"max_cache_size", cfg.MaxCacheSize,
		"target_size", cfg.TargetSize,
		"min_entries", cfg.MinEntries,
		"max_age", cfg.MaxAge(),
	)
	return nil
}

// ResidentBytes returns the total size of the payloads held locally.
func (s *Store) ResidentBytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resident
}

// Check reports whether the entry for url is usable. A non-empty token is
// compared byte for byte with the stored ETag. Check has no side effects on
// the entry.
func (s *Store) Check(ctx context.Context, url, token string) (Validation, *Entry, error) {
	entry, err := s.lookup(ctx, url)
	if err != nil {
		if errors.Is(err, storageengine.ErrNotFound) {
			s.recordLookup(ctx, Missing)
			return Missing, nil, nil
		}
		return "", nil, err
	}

	v := s.validate(entry, token)
	s.recordLookup(ctx, v)
	return v, entry, nil
}

func (s *Store) validate(entry *Entry, token string) Validation {
	if !entry.HasPayload() {
		return Missing
	}
	if s.now().Sub(entry.FetchedAt) > s.EvictionConfig().MaxAge() {
		return Stale
	}
	if token != "" && token != entry.ETag {
		return Stale
	}
	return Valid
}

// Put stores payload as the entry for url, replacing any previous entry.
//
// When the write would take the cache over its maximum size, one eviction
// pass runs in the same transaction to bring it down to the target size. If
// the payload still does not fit, the write fails with a QuotaExceededError
// and the cache is left as it was.
func (s *Store) Put(ctx context.Context, url string, payload []byte, token string) (*Entry, error) {
	if s.payloads == nil {
		return nil, storageengine.ErrNotSupported
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	size := uint64(len(payload))
	cfg := s.EvictionConfig()
	if size > cfg.MaxCacheSize {
		return nil, &storageengine.QuotaExceededError{
			Required:  size,
			Available: sub(cfg.MaxCacheSize, s.ResidentBytes()),
		}
	}

	start := time.Now()
	res, err := s.payloads.Put(ctx, payload)
	if err != nil {
		return nil, storageengine.Database("writing payload", err)
	}

	now := s.now()
	entry := toRecord(&Entry{
		URL:          url,
		Size:         size,
		ETag:         token,
		FetchedAt:    now,
		LastAccessed: now,
		ContentHash:  res.Digest.String(),
		Blob:         res.Hash,
	}).entry()

	var (
		replaced   uint64
		hadPayload bool
		isNew      bool
		plan       *eviction.Result
		evicted    int
		released   []string
	)
	err = s.db.Update(ctx, func(tx *metadb.Tx) error {
		old, err := getEntryTx(tx, url)
		switch {
		case err == nil:
			if old.HasPayload() {
				hadPayload = true
				replaced = old.Size
			}
		case errors.Is(err, metadb.ErrNotFound):
			isNew = true
		case errors.Is(err, metadb.ErrCorrupted):
			s.logger.Warn("replacing unreadable cache entry", "url", url, "error", err)
		default:
			return err
		}

		base := sub(s.ResidentBytes(), replaced)
		if base+size > cfg.MaxCacheSize {
			candidates, err := s.candidatesTx(tx, url)
			if err != nil {
				return err
			}
			plan = eviction.Plan(candidates, cfg, now, base+size-cfg.TargetSize)
			if evicted, err = applyTx(tx, plan); err != nil {
				return err
			}
			base = sub(base, plan.BytesFreed)
			if base+size > cfg.MaxCacheSize {
				return &storageengine.QuotaExceededError{
					Required:  size,
					Available: sub(cfg.MaxCacheSize, base),
				}
			}
		}

		if err := putEntryTx(tx, entry); err != nil {
			return err
		}
		released = tx.Released()
		return nil
	})
	if err != nil {
		if !res.Exists {
			s.deletePayload(ctx, res.Hash)
		}
		var qe *storageengine.QuotaExceededError
		if errors.As(err, &qe) {
			s.logger.Warn("cache write rejected", "url", url, "size", size, "available", qe.Available)
			return nil, err
		}
		return nil, mapError(fmt.Sprintf("caching %s", url), url, err)
	}

	s.releaseBlobs(ctx, released)

	freed := uint64(0)
	if plan != nil {
		freed = plan.BytesFreed
		s.recordEvictions(ctx, plan, time.Since(start))
	}
	removed := evicted
	if hadPayload {
		removed++
	}
	s.adjust(size, replaced+freed, 1-removed)

	telemetry.RecordCacheWrite(ctx, int64(size), isNew) //nolint:gosec // bounded by MaxCacheSize
	s.publishState(ctx)
	s.logger.Debug("payload cached",
		"url", url,
		"size", size,
		"hash", res.Hash.ShortString(),
		"deduplicated", res.Exists,
	)
	return entry, nil
}

// Get returns the payload and metadata for url and advances the entry's last
// access time. The payload is verified against the stored content hash; a
// mismatch fails with a CorruptedError and leaves the entry in place.
func (s *Store) Get(ctx context.Context, url string) ([]byte, *Entry, error) {
	if s.payloads == nil {
		return nil, nil, storageengine.ErrNotSupported
	}

	entry, err := s.lookup(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	if !entry.HasPayload() {
		return nil, nil, storageengine.NotFound(url)
	}

	data, _, err := s.payloads.Get(ctx, entry.Blob)
	if errors.Is(err, backend.ErrNotFound) {
		// Evicted between the lookup and the read
		if current, lerr := s.lookup(ctx, url); lerr != nil || current.Blob != entry.Blob {
			return nil, nil, storageengine.NotFound(url)
		}
		return nil, nil, &storageengine.CorruptedError{Key: url, Message: "payload missing"}
	}
	if backend.IsFramingError(err) {
		return nil, nil, &storageengine.CorruptedError{Key: url, Message: err.Error()}
	}
	if err != nil {
		return nil, nil, storageengine.Database("reading payload", err)
	}

	digest, err := storageengine.ParseDigest(entry.ContentHash)
	if err != nil {
		return nil, nil, &storageengine.CorruptedError{Key: url, Message: err.Error()}
	}
	if uint64(len(data)) != entry.Size || !digest.Verify(data) {
		s.logger.Warn("cached payload failed integrity check", "url", url, "expected", entry.ContentHash)
		return nil, nil, &storageengine.CorruptedError{Key: url, Message: "content hash mismatch"}
	}

	touched, err := s.touch(ctx, url, entry)
	if err != nil {
		return nil, nil, err
	}
	return data, touched, nil
}

// touch advances the last access time of url. It never moves backwards.
func (s *Store) touch(ctx context.Context, url string, read *Entry) (*Entry, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := read
	err := s.db.Update(ctx, func(tx *metadb.Tx) error {
		current, err := getEntryTx(tx, url)
		if errors.Is(err, metadb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.Blob != read.Blob {
			return nil
		}
		now := s.now()
		if now.UnixMilli() <= current.LastAccessed.UnixMilli() {
			result = current
			return nil
		}
		current.LastAccessed = time.UnixMilli(now.UnixMilli()).UTC()
		if err := putEntryTx(tx, current); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, mapError("updating last access", url, err)
	}
	return result, nil
}

// Evict removes the entry for url and returns the payload bytes freed.
func (s *Store) Evict(ctx context.Context, url string) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		entry    *Entry
		released []string
	)
	err := s.db.Update(ctx, func(tx *metadb.Tx) error {
		e, err := getEntryTx(tx, url)
		if errors.Is(err, metadb.ErrNotFound) {
			return err
		}
		if err == nil {
			entry = e
		}
		if err := tx.Delete(Collection, url); err != nil {
			return err
		}
		released = tx.Released()
		return nil
	})
	if err != nil {
		return 0, mapError(fmt.Sprintf("evicting %s", url), url, err)
	}

	s.releaseBlobs(ctx, released)

	var freed uint64
	if entry != nil && entry.HasPayload() {
		freed = entry.Size
		s.adjust(0, freed, -1)
		telemetry.RecordEviction(ctx, "explicit", int64(freed)) //nolint:gosec // bounded by MaxCacheSize
	}
	s.publishState(ctx)
	s.logger.Debug("cache entry evicted", "url", url, "freed", freed)
	return freed, nil
}

// Clear removes every entry in one transaction and returns the number of
// entries removed and the payload bytes freed.
func (s *Store) Clear(ctx context.Context) (int, uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var (
		removed  int
		released []string
	)
	freed := s.ResidentBytes()
	err := s.db.Update(ctx, func(tx *metadb.Tx) error {
		n, err := tx.DeleteAll(Collection)
		if err != nil {
			return err
		}
		removed = n
		released = tx.Released()
		return nil
	})
	if err != nil {
		return 0, 0, mapError("clearing cache", Collection, err)
	}

	s.releaseBlobs(ctx, released)

	s.mu.Lock()
	s.resident = 0
	s.count = 0
	s.mu.Unlock()

	if freed > 0 {
		telemetry.RecordEviction(ctx, "clear", int64(freed)) //nolint:gosec // bounded by MaxCacheSize
	}
	s.publishState(ctx)
	s.logger.Info("cache cleared", "entries", removed, "freed", freed)
	return removed, freed, nil
}

// Stats summarises the entries holding a local payload.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, e := range entries {
		if !e.HasPayload() {
			continue
		}
		stats.FileCount++
		stats.TotalSize += e.Size
		fetched := e.FetchedAt
		if stats.OldestEntry == nil || fetched.Before(*stats.OldestEntry) {
			stats.OldestEntry = &fetched
		}
		if stats.NewestEntry == nil || fetched.After(*stats.NewestEntry) {
			stats.NewestEntry = &fetched
		}
	}
	return stats, nil
}

// Entries returns every entry, including those without a local payload,
// ordered by URL.
func (s *Store) Entries(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		var err error
		entries, err = EntriesTx(tx, s.skipUnreadable)
		return err
	})
	if err != nil {
		return nil, mapError("listing cache entries", Collection, err)
	}
	return entries, nil
}

// Cleanup runs an eviction pass that frees at least targetBytes, or enough
// to bring the cache down to its target size if that is more. Over-age
// entries are always removed.
func (s *Store) Cleanup(ctx context.Context, targetBytes uint64) (*eviction.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cfg := s.EvictionConfig()
	need := max(targetBytes, eviction.NeedToTarget(cfg, s.ResidentBytes()))
	return s.evictLocked(ctx, cfg, need)
}

// Maintain removes over-age entries and, when the cache is above its maximum
// size, evicts down to the target size.
func (s *Store) Maintain(ctx context.Context) (*eviction.Result, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cfg := s.EvictionConfig()
	var need uint64
	if resident := s.ResidentBytes(); resident > cfg.MaxCacheSize {
		need = eviction.NeedToTarget(cfg, resident)
	}
	return s.evictLocked(ctx, cfg, need)
}

func (s *Store) evictLocked(ctx context.Context, cfg eviction.Config, need uint64) (*eviction.Result, error) {
	start := time.Now()

	var (
		plan     *eviction.Result
		removed  int
		released []string
	)
	err := s.db.Update(ctx, func(tx *metadb.Tx) error {
		candidates, err := s.candidatesTx(tx, "")
		if err != nil {
			return err
		}
		plan = eviction.Plan(candidates, cfg, s.now(), need)
		if removed, err = applyTx(tx, plan); err != nil {
			return err
		}
		released = tx.Released()
		return nil
	})
	if err != nil {
		return nil, mapError("evicting cache entries", Collection, err)
	}

	s.releaseBlobs(ctx, released)
	s.adjust(0, plan.BytesFreed, -removed)
	s.recordEvictions(ctx, plan, time.Since(start))
	s.publishState(ctx)

	if len(plan.Evict) > 0 {
		s.logger.Info("cache entries evicted",
			"count", len(plan.Evict),
			"forced", plan.Forced,
			"freed", plan.BytesFreed,
			"partial", plan.Partial,
		)
	}
	return plan, nil
}

// SweepOrphans deletes payloads no entry references: blobs whose reference
// count dropped to zero but whose bytes were never removed, and payload files
// written by a write that never committed. Returns the number removed.
func (s *Store) SweepOrphans(ctx context.Context) (int, error) {
	if s.payloads == nil {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	reaper := metadb.NewBlobReaper(s.db, s.deletePayloadRef, metadb.WithReaperLogger(s.logger))
	reaped, err := reaper.ReapNow(ctx)
	if err != nil {
		return reaped, storageengine.Database("reaping blobs", err)
	}

	hashes, err := s.payloads.List(ctx)
	if err != nil {
		return reaped, storageengine.Database("listing payloads", err)
	}

	stray := 0
	for _, h := range hashes {
		_, err := s.db.GetBlob(ctx, h.Ref())
		if err == nil {
			continue
		}
		if !errors.Is(err, metadb.ErrNotFound) {
			return reaped + stray, storageengine.Database("looking up blob", err)
		}
		if err := s.payloads.Delete(ctx, h); err != nil {
			s.logger.Warn("failed to delete stray payload", "hash", h.String(), "error", err)
			continue
		}
		stray++
	}

	if reaped+stray > 0 {
		s.logger.Info("orphaned payloads removed", "reaped", reaped, "stray", stray)
	}
	return reaped + stray, nil
}

// EntriesTx returns every readable cache entry visible to tx, ordered by URL.
// Rows that cannot be decoded are left in place and reported to skip, which
// may be nil. Such rows can still be removed with Evict.
func EntriesTx(tx *metadb.Tx, skip func(url string, err error)) ([]*Entry, error) {
	if skip == nil {
		skip = func(string, error) {}
	}
	var entries []*Entry
	err := tx.ForEachReadable(Collection, func(rec *metadb.Record) error {
		var r record
		if err := json.Unmarshal(rec.Value, &r); err != nil {
			skip(rec.Key, fmt.Errorf("%w: unmarshaling cache entry: %w", metadb.ErrCorrupted, err))
			return nil
		}
		entries = append(entries, r.entry())
		return nil
	}, skip)
	return entries, err
}

func (s *Store) skipUnreadable(url string, err error) {
	s.logger.Warn("skipping unreadable cache entry", "url", url, "error", err)
}

// RegisterTx records metadata for an entry whose payload is not held
// locally. An existing entry with a local payload is kept unchanged and
// RegisterTx reports false.
func RegisterTx(tx *metadb.Tx, e *Entry) (bool, error) {
	existing, err := getEntryTx(tx, e.URL)
	switch {
	case err == nil:
		if existing.HasPayload() {
			return false, nil
		}
	case errors.Is(err, metadb.ErrNotFound):
	default:
		return false, err
	}

	registered := *e
	registered.Blob = storageengine.Hash{}
	if err := putEntryTx(tx, &registered); err != nil {
		return false, err
	}
	return true, nil
}

func getEntryTx(tx *metadb.Tx, url string) (*Entry, error) {
	var r record
	if err := metadb.GetJSONTx(tx, Collection, url, &r); err != nil {
		return nil, err
	}
	return r.entry(), nil
}

func putEntryTx(tx *metadb.Tx, e *Entry) error {
	opts := []metadb.PutOption{
		metadb.WithTimeIndex(indexFetchedAt, e.FetchedAt),
		metadb.WithTimeIndex(indexLastAccessed, e.LastAccessed),
	}
	if e.HasPayload() {
		ref := e.Blob.Ref()
		if err := tx.PutBlob(ref, int64(e.Size)); err != nil { //nolint:gosec // bounded by MaxCacheSize
			return fmt.Errorf("registering blob: %w", err)
		}
		opts = append(opts, metadb.WithBlobRefs(ref))
	}
	return metadb.PutJSONTx(tx, Collection, e.URL, toRecord(e), opts...)
}

func (s *Store) candidatesTx(tx *metadb.Tx, exclude string) ([]eviction.Candidate, error) {
	entries, err := EntriesTx(tx, s.skipUnreadable)
	if err != nil {
		return nil, err
	}
	candidates := make([]eviction.Candidate, 0, len(entries))
	for _, e := range entries {
		if e.URL == exclude {
			continue
		}
		candidates = append(candidates, e.candidate())
	}
	return candidates, nil
}

// applyTx deletes the entries chosen by plan and returns how many of them
// held a local payload.
func applyTx(tx *metadb.Tx, plan *eviction.Result) (int, error) {
	removed := 0
	for _, v := range plan.Evict {
		if err := tx.Delete(Collection, v.URL); err != nil && !errors.Is(err, metadb.ErrNotFound) {
			return 0, fmt.Errorf("evicting %s: %w", v.URL, err)
		}
		if !v.NoPayload {
			removed++
		}
	}
	return removed, nil
}

func (s *Store) lookup(ctx context.Context, url string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(ctx, func(tx *metadb.Tx) error {
		var err error
		entry, err = getEntryTx(tx, url)
		return err
	})
	if err != nil {
		return nil, mapError(fmt.Sprintf("reading %s", url), url, err)
	}
	return entry, nil
}

// releaseBlobs deletes the payloads whose last reference was removed by a
// committed transaction, then their blob entries. Failures are left for
// SweepOrphans.
func (s *Store) releaseBlobs(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := s.deletePayloadRef(ctx, ref); err != nil {
			s.logger.Warn("failed to delete released payload", "ref", ref, "error", err)
			continue
		}
		if err := s.db.DeleteBlob(ctx, ref); err != nil {
			s.logger.Warn("failed to delete blob entry", "ref", ref, "error", err)
		}
	}
}

func (s *Store) deletePayloadRef(ctx context.Context, ref string) error {
	if s.payloads == nil {
		return nil
	}
	h, err := storageengine.ParseRef(ref)
	if err != nil {
		return err
	}
	return s.payloads.Delete(ctx, h)
}

func (s *Store) deletePayload(ctx context.Context, h storageengine.Hash) {
	if err := s.payloads.Delete(ctx, h); err != nil {
		s.logger.Warn("failed to delete uncommitted payload", "hash", h.String(), "error", err)
	}
}

func (s *Store) repairRefcounts(ctx context.Context) error {
	discrepancies, err := s.db.VerifyRefcounts(ctx)
	if err != nil {
		return storageengine.Database("verifying blob references", err)
	}
	if len(discrepancies) == 0 {
		return nil
	}
	fixed, err := s.db.RebuildRefcounts(ctx)
	if err != nil {
		return storageengine.Database("rebuilding blob references", err)
	}
	s.logger.Warn("blob reference counts rebuilt", "discrepancies", len(discrepancies), "fixed", fixed)
	return nil
}

func (s *Store) loadTotals(ctx context.Context) error {
	entries, err := s.Entries(ctx)
	if err != nil {
		return err
	}
	var resident uint64
	count := 0
	for _, e := range entries {
		if e.HasPayload() {
			resident += e.Size
			count++
		}
	}
	s.mu.Lock()
	s.resident = resident
	s.count = count
	s.mu.Unlock()
	return nil
}

// adjust applies a committed change to the resident counters.
func (s *Store) adjust(added, removed uint64, countDelta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resident = sub(s.resident+added, removed)
	s.count += countDelta
	if s.count < 0 {
		s.count = 0
	}
}

func (s *Store) publishState(ctx context.Context) {
	s.mu.RLock()
	resident, count, maxBytes := s.resident, s.count, s.cfg.MaxCacheSize
	s.mu.RUnlock()
	telemetry.UpdateCacheState(ctx, int64(resident), count, int64(maxBytes)) //nolint:gosec // sizes fit in int64
}

func (s *Store) recordEvictions(ctx context.Context, plan *eviction.Result, duration time.Duration) {
	for _, v := range plan.Evict {
		if v.NoPayload {
			continue
		}
		telemetry.RecordEviction(ctx, string(v.Reason), int64(v.Size)) //nolint:gosec // bounded by MaxCacheSize
	}
	telemetry.RecordEvictionRun(ctx, plan.Partial, duration)
}

func (s *Store) recordLookup(ctx context.Context, v Validation) {
	var result telemetry.CacheResult
	switch v {
	case Valid:
		result = telemetry.CacheValid
	case Stale:
		result = telemetry.CacheStale
	default:
		result = telemetry.CacheMissing
	}
	telemetry.RecordCacheLookup(ctx, result)
	telemetry.SetCacheResult(ctx, result)
}

// mapError converts record store errors into the structured error kinds.
func mapError(op, key string, err error) error {
	switch {
	case errors.Is(err, metadb.ErrNotFound):
		return storageengine.NotFound(key)
	case errors.Is(err, metadb.ErrCorrupted):
		return &storageengine.CorruptedError{Key: key, Message: err.Error()}
	default:
		return storageengine.Database(op, err)
	}
}

func sub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
