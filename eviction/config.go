// Package eviction decides which cache entries to remove to bring the cache
// back under its storage budget. The decision procedure is pure: it never
// touches storage, so callers apply the plan inside their own transaction.
package eviction

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("invalid eviction config")

// MaxAgeSecondsLimit is the largest max age a time.Duration can hold.
const MaxAgeSecondsLimit = uint64(math.MaxInt64 / int64(time.Second))

// Config bounds the cache. It is replaced wholesale, never partially mutated.
type Config struct {
	// MaxCacheSize is the hard ceiling on resident payload bytes.
	MaxCacheSize uint64 `json:"max_cache_size" yaml:"max_cache_size" env:"MAX_CACHE_SIZE"`

	// TargetSize is the level an eviction pass tries to reach.
	TargetSize uint64 `json:"target_size" yaml:"target_size" env:"TARGET_SIZE"`

	// MinEntries is the number of entries normal eviction never goes below.
	// Entries older than MaxAgeSeconds are removed regardless.
	MinEntries int `json:"min_entries" yaml:"min_entries" env:"MIN_ENTRIES"`

	// MaxAgeSeconds is the age, measured from fetch time, past which an entry
	// is stale and forcibly evicted.
	MaxAgeSeconds uint64 `json:"max_age_seconds" yaml:"max_age_seconds" env:"MAX_AGE_SECONDS"`
}

// DefaultConfig returns a default configuration: 500 MiB ceiling, 400 MiB
// target, 5 protected entries and a 30 day maximum age.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:  500 * 1024 * 1024,
		TargetSize:    400 * 1024 * 1024,
		MinEntries:    5,
		MaxAgeSeconds: 30 * 24 * 60 * 60,
	}
}

// MaxAge returns MaxAgeSeconds as a duration, saturating at the largest
// representable duration.
func (c Config) MaxAge() time.Duration {
	if c.MaxAgeSeconds > MaxAgeSecondsLimit {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(c.MaxAgeSeconds) * time.Second //nolint:gosec // bounded by MaxAgeSecondsLimit
}

// Validate checks the configuration is coherent.
func (c Config) Validate() error {
	switch {
	case c.MaxCacheSize == 0:
		return fmt.Errorf("%w: max_cache_size must be positive", ErrInvalidConfig)
	case c.TargetSize >= c.MaxCacheSize:
		return fmt.Errorf("%w: target_size (%d) must be below max_cache_size (%d)", ErrInvalidConfig, c.TargetSize, c.MaxCacheSize)
	case c.MinEntries < 0:
		return fmt.Errorf("%w: min_entries must not be negative", ErrInvalidConfig)
	case c.MaxAgeSeconds == 0:
		return fmt.Errorf("%w: max_age_seconds must be positive", ErrInvalidConfig)
	case c.MaxAgeSeconds > MaxAgeSecondsLimit:
		return fmt.Errorf("%w: max_age_seconds must not exceed %d", ErrInvalidConfig, MaxAgeSecondsLimit)
	}
	return nil
}
