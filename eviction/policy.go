package eviction

import (
	"sort"
	"time"
)

// Reason records why an entry was chosen for eviction.
type Reason string

const (
	// ReasonForced marks entries at or past the maximum age.
	ReasonForced Reason = "forced"
	// ReasonLRU marks entries chosen by least-recent access.
	ReasonLRU Reason = "lru"
)

// Candidate is the view of a cache entry the policy decides on.
type Candidate struct {
	URL          string
	Size         uint64
	FetchedAt    time.Time
	LastAccessed time.Time

	// NoPayload marks metadata-only rows. They hold no resident bytes, are
	// never chosen for size pressure, and only leave through forced eviction.
	NoPayload bool
}

// Victim is one entry the plan removes.
type Victim struct {
	URL       string
	Size      uint64
	Reason    Reason
	NoPayload bool
}

// Result is an eviction plan.
type Result struct {
	// Evict lists entries in removal order: forced entries first (oldest fetch
	// first), then LRU entries (least recently accessed first).
	Evict []Victim

	// BytesFreed is the sum of the resident sizes of the evicted entries.
	BytesFreed uint64

	// Forced is how many entries were evicted for age.
	Forced int

	// Partial is set when the plan could not free the requested bytes.
	Partial bool
}

// URLs returns the URLs of the evicted entries in removal order.
func (r *Result) URLs() []string {
	urls := make([]string, len(r.Evict))
	for i, v := range r.Evict {
		urls[i] = v.URL
	}
	return urls
}

// Plan chooses entries to evict so that at least need bytes are freed.
//
// Every entry whose age (now - FetchedAt) has reached the configured maximum
// is evicted, regardless of need or MinEntries. Remaining entries are evicted
// least recently accessed first while freed < need and more than MinEntries
// entries would remain. Ties break on URL.
func Plan(candidates []Candidate, cfg Config, now time.Time, need uint64) *Result {
	maxAge := cfg.MaxAge()
	result := &Result{}

	var forced, normal []Candidate
	for _, c := range candidates {
		if now.Sub(c.FetchedAt) >= maxAge {
			forced = append(forced, c)
			continue
		}
		if c.NoPayload {
			continue
		}
		normal = append(normal, c)
	}

	sort.Slice(forced, func(i, j int) bool {
		if !forced[i].FetchedAt.Equal(forced[j].FetchedAt) {
			return forced[i].FetchedAt.Before(forced[j].FetchedAt)
		}
		return forced[i].URL < forced[j].URL
	})
	for _, c := range forced {
		result.add(c, ReasonForced)
	}
	result.Forced = len(forced)

	sort.Slice(normal, func(i, j int) bool {
		if !normal[i].LastAccessed.Equal(normal[j].LastAccessed) {
			return normal[i].LastAccessed.Before(normal[j].LastAccessed)
		}
		return normal[i].URL < normal[j].URL
	})

	remaining := len(normal)
	for _, c := range normal {
		if result.BytesFreed >= need || remaining <= cfg.MinEntries {
			break
		}
		result.add(c, ReasonLRU)
		remaining--
	}

	result.Partial = result.BytesFreed < need
	return result
}

// PlanToTarget chooses entries to evict so that total resident bytes drop to
// the configured target size.
func PlanToTarget(candidates []Candidate, cfg Config, now time.Time, total uint64) *Result {
	return Plan(candidates, cfg, now, NeedToTarget(cfg, total))
}

// NeedToTarget returns how many bytes must be freed to bring total down to
// the target size.
func NeedToTarget(cfg Config, total uint64) uint64 {
	if total <= cfg.TargetSize {
		return 0
	}
	return total - cfg.TargetSize
}

func (r *Result) add(c Candidate, reason Reason) {
	r.Evict = append(r.Evict, Victim{URL: c.URL, Size: c.Size, Reason: reason, NoPayload: c.NoPayload})
	if !c.NoPayload {
		r.BytesFreed += c.Size
	}
}
