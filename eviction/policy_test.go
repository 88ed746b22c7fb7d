package eviction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{MaxCacheSize: 100, TargetSize: 80, MinEntries: 1, MaxAgeSeconds: 3600}
}

func candidate(url string, size uint64, fetchedAgo, accessedAgo time.Duration) Candidate {
	return Candidate{
		URL:          url,
		Size:         size,
		FetchedAt:    testNow.Add(-fetchedAgo),
		LastAccessed: testNow.Add(-accessedAgo),
	}
}

func TestPlanThreeEntryScenario(t *testing.T) {
	// Two 40-byte entries resident; admitting a third 40-byte entry needs
	// 80 + 40 - 80 = 40 bytes freed.
	candidates := []Candidate{
		candidate("a", 40, 3*time.Minute, 3*time.Minute),
		candidate("b", 40, 2*time.Minute, 2*time.Minute),
	}

	result := Plan(candidates, testConfig(), testNow, 40)
	require.Equal(t, []string{"a"}, result.URLs())
	require.Equal(t, uint64(40), result.BytesFreed)
	require.Zero(t, result.Forced)
	require.False(t, result.Partial)
}

func TestPlanLRUOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MinEntries = 0
	candidates := []Candidate{
		candidate("recent", 10, 10*time.Minute, time.Minute),
		candidate("oldest", 10, time.Minute, 30*time.Minute),
		candidate("middle", 10, 20*time.Minute, 10*time.Minute),
	}

	result := Plan(candidates, cfg, testNow, 20)
	require.Equal(t, []string{"oldest", "middle"}, result.URLs())
	for _, v := range result.Evict {
		require.Equal(t, ReasonLRU, v.Reason)
	}
}

func TestPlanTiesBreakOnURL(t *testing.T) {
	cfg := testConfig()
	cfg.MinEntries = 0
	candidates := []Candidate{
		candidate("c", 5, time.Minute, time.Minute),
		candidate("a", 5, time.Minute, time.Minute),
		candidate("b", 5, time.Minute, time.Minute),
	}

	result := Plan(candidates, cfg, testNow, 15)
	require.Equal(t, []string{"a", "b", "c"}, result.URLs())
}

func TestPlanRespectsMinEntries(t *testing.T) {
	cfg := testConfig()
	cfg.MinEntries = 2
	candidates := []Candidate{
		candidate("a", 50, time.Minute, 3*time.Minute),
		candidate("b", 50, time.Minute, 2*time.Minute),
		candidate("c", 50, time.Minute, time.Minute),
	}

	result := Plan(candidates, cfg, testNow, 150)
	require.Equal(t, []string{"a"}, result.URLs())
	require.True(t, result.Partial)
}

func TestPlanForcedIgnoresMinEntriesAndNeed(t *testing.T) {
	cfg := testConfig()
	cfg.MinEntries = 10
	candidates := []Candidate{
		candidate("fresh", 10, time.Minute, time.Minute),
		candidate("old", 10, 2*time.Hour, time.Second),
		candidate("older", 10, 3*time.Hour, time.Second),
		candidate("exactly-max-age", 10, time.Hour, time.Second),
	}

	result := Plan(candidates, cfg, testNow, 0)
	require.Equal(t, []string{"older", "old", "exactly-max-age"}, result.URLs())
	require.Equal(t, 3, result.Forced)
	require.Equal(t, uint64(30), result.BytesFreed)
	require.False(t, result.Partial)
	for _, v := range result.Evict {
		require.Equal(t, ReasonForced, v.Reason)
	}
}

func TestPlanHugeMaxAgeForcesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAgeSeconds = 1 << 40
	candidates := []Candidate{
		candidate("a", 10, time.Minute, time.Minute),
		candidate("b", 10, 24*365*time.Hour, time.Minute),
	}

	result := Plan(candidates, cfg, testNow, 0)
	require.Empty(t, result.URLs())
	require.Zero(t, result.Forced)
}

func TestPlanForcedCountsTowardNeed(t *testing.T) {
	candidates := []Candidate{
		candidate("stale", 30, 2*time.Hour, time.Second),
		candidate("a", 30, time.Minute, 2*time.Minute),
		candidate("b", 30, time.Minute, time.Minute),
	}

	result := Plan(candidates, testConfig(), testNow, 50)
	require.Equal(t, []string{"stale", "a"}, result.URLs())
	require.Equal(t, uint64(60), result.BytesFreed)
}

func TestPlanSkipsPayloadlessRows(t *testing.T) {
	cfg := testConfig()
	cfg.MinEntries = 0
	imported := candidate("imported", 500, time.Minute, time.Hour)
	imported.NoPayload = true
	staleImported := candidate("stale-imported", 500, 2*time.Hour, time.Hour)
	staleImported.NoPayload = true

	candidates := []Candidate{imported, staleImported, candidate("local", 10, time.Minute, time.Minute)}

	result := Plan(candidates, cfg, testNow, 10)
	require.Equal(t, []string{"stale-imported", "local"}, result.URLs())
}

func TestPlanPartialWhenNotEnough(t *testing.T) {
	cfg := testConfig()
	cfg.MinEntries = 0
	result := Plan([]Candidate{candidate("a", 10, time.Minute, time.Minute)}, cfg, testNow, 100)
	require.Equal(t, []string{"a"}, result.URLs())
	require.True(t, result.Partial)
}

func TestPlanNothingNeeded(t *testing.T) {
	result := Plan([]Candidate{candidate("a", 10, time.Minute, time.Minute)}, testConfig(), testNow, 0)
	require.Empty(t, result.Evict)
	require.False(t, result.Partial)
}

func TestPlanToTarget(t *testing.T) {
	candidates := []Candidate{
		candidate("a", 40, time.Minute, 3*time.Minute),
		candidate("b", 40, time.Minute, 2*time.Minute),
		candidate("c", 40, time.Minute, time.Minute),
	}

	result := PlanToTarget(candidates, testConfig(), testNow, 120)
	require.Equal(t, []string{"a"}, result.URLs())

	require.Equal(t, uint64(0), NeedToTarget(testConfig(), 80))
	require.Equal(t, uint64(0), NeedToTarget(testConfig(), 10))
	require.Equal(t, uint64(20), NeedToTarget(testConfig(), 100))
}

func TestPlanEvictionInvariant(t *testing.T) {
	// After applying a non-partial plan, the remaining bytes are at or below
	// total - need.
	cfg := testConfig()
	cfg.MinEntries = 0
	var candidates []Candidate
	var total uint64
	for i, size := range []uint64{7, 13, 21, 3, 40, 9} {
		c := candidate(string(rune('a'+i)), size, time.Minute, time.Duration(i)*time.Minute)
		candidates = append(candidates, c)
		total += size
	}

	for need := uint64(0); need <= total; need++ {
		result := Plan(candidates, cfg, testNow, need)
		require.False(t, result.Partial, "need=%d", need)
		require.LessOrEqual(t, total-result.BytesFreed, total-need, "need=%d", need)
	}
}
