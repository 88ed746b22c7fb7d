// Package quota tracks how much storage the engine uses against the host's
// quota, raises advisory warnings when usage crosses a threshold and runs the
// periodic cache maintenance pass.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dataplayground/storage-engine/eviction"
	"github.com/dataplayground/storage-engine/telemetry"
)

const (
	// DefaultThreshold is the usage percentage at which a warning is raised.
	DefaultThreshold = 90.0

	// DefaultInterval is how often the maintenance loop runs.
	DefaultInterval = 5 * time.Minute
)

// Snapshot is the storage usage at one instant. Total, Available and
// UsagePercent are nil when the host does not report a quota.
type Snapshot struct {
	Total        *uint64  `json:"total,omitempty"`
	Used         uint64   `json:"used"`
	Available    *uint64  `json:"available,omitempty"`
	UsagePercent *float64 `json:"usage_percent,omitempty"`
}

// Warning is raised when usage crosses the warning threshold.
type Warning struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Percent float64 `json:"percent"`
}

// UsageFunc returns the bytes the engine currently stores.
type UsageFunc func(ctx context.Context) (uint64, error)

// Maintainer runs one maintenance eviction pass.
type Maintainer interface {
	Maintain(ctx context.Context) (*eviction.Result, error)
}

// Monitor correlates engine usage with the host quota.
type Monitor struct {
	usage      UsageFunc
	source     Source
	maintainer Maintainer
	sink       func(Warning)
	threshold  float64
	interval   time.Duration
	logger     *slog.Logger

	warnMu sync.Mutex
	warned bool

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSource sets the host quota source. Defaults to NoQuota.
func WithSource(source Source) Option {
	return func(m *Monitor) {
		m.source = source
	}
}

// WithThreshold sets the warning threshold as a percentage.
func WithThreshold(percent float64) Option {
	return func(m *Monitor) {
		m.threshold = percent
	}
}

// WithInterval sets how often the maintenance loop runs.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		m.interval = d
	}
}

// WithMaintainer sets the cache maintained by the background loop.
func WithMaintainer(maintainer Maintainer) Option {
	return func(m *Monitor) {
		m.maintainer = maintainer
	}
}

// WithWarningSink sets the function warnings are delivered to.
func WithWarningSink(sink func(Warning)) Option {
	return func(m *Monitor) {
		m.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a quota monitor.
func NewMonitor(usage UsageFunc, opts ...Option) *Monitor {
	m := &Monitor{
		usage:     usage,
		source:    NoQuota{},
		threshold: DefaultThreshold,
		interval:  DefaultInterval,
		logger:    slog.Default(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	m.logger = m.logger.With("component", "quota")
	return m
}

// Snapshot returns the current usage and, when the host reports one, the
// quota. Used is always reported.
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	used, err := m.usage(ctx)
	if err != nil {
		return nil, fmt.Errorf("computing usage: %w", err)
	}

	snap := &Snapshot{Used: used}

	host, err := m.source.Quota(ctx, used)
	if err != nil {
		// The host quota is advisory; usage is still reported
		m.logger.Warn("host quota unavailable", "error", err)
		return snap, nil
	}
	if host == nil || host.Total == 0 {
		return snap, nil
	}

	total, available := host.Total, host.Available
	percent := float64(used) / float64(total) * 100
	if percent > 100 {
		percent = 100
	}
	snap.Total = &total
	snap.Available = &available
	snap.UsagePercent = &percent
	return snap, nil
}

// Check takes a snapshot and raises a warning when usage is at or above the
// threshold. Warnings are edge triggered: one is raised when usage crosses
// the threshold, and the next only after usage has dropped below it again.
// A raised warning is also delivered to the warning sink.
func (m *Monitor) Check(ctx context.Context) (*Snapshot, *Warning, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	if snap.UsagePercent == nil {
		return snap, nil, nil
	}

	percent := *snap.UsagePercent
	over := percent >= m.threshold

	m.warnMu.Lock()
	raise := over && !m.warned
	m.warned = over
	m.warnMu.Unlock()

	telemetry.RecordQuotaCheck(ctx, percent, raise)

	if !raise {
		return snap, nil, nil
	}

	w := &Warning{Used: snap.Used, Total: *snap.Total, Percent: percent}
	m.logger.Warn("storage usage above threshold",
		"used", w.Used,
		"total", w.Total,
		"percent", w.Percent,
		"threshold", m.threshold,
	)
	if m.sink != nil {
		m.sink(*w)
	}
	return snap, w, nil
}

// RunResult contains the results of a maintenance run.
type RunResult struct {
	Eviction *eviction.Result
	Snapshot *Snapshot
	Warning  *Warning
	Errors   int
	Duration time.Duration
}

// Start begins the background maintenance loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops the background maintenance loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Run immediately on start
	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single maintenance pass: over-age and over-budget
// entries are evicted, then the quota is checked.
func (m *Monitor) RunOnce(ctx context.Context) *RunResult {
	start := time.Now()
	result := &RunResult{}

	m.logger.Debug("starting maintenance")

	if m.maintainer != nil {
		plan, err := m.maintainer.Maintain(ctx)
		if err != nil {
			m.logger.Error("maintenance eviction failed", "error", err)
			result.Errors++
		} else {
			result.Eviction = plan
		}
	}

	snap, warning, err := m.Check(ctx)
	if err != nil {
		m.logger.Error("quota check failed", "error", err)
		result.Errors++
	}
	result.Snapshot = snap
	result.Warning = warning
	result.Duration = time.Since(start)

	if result.Eviction != nil && len(result.Eviction.Evict) > 0 {
		m.logger.Info("maintenance complete",
			"evicted", len(result.Eviction.Evict),
			"forced", result.Eviction.Forced,
			"bytes_freed", result.Eviction.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("maintenance complete, nothing to evict")
	}
	return result
}
