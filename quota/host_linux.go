//go:build linux

package quota

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// Quota implements Source using statfs(2).
func (d DiskQuota) Quota(_ context.Context, _ uint64) (*HostQuota, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.Dir, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", d.Dir, err)
	}
	bsize := uint64(st.Bsize) //nolint:gosec // block size is positive
	return &HostQuota{
		Total:     st.Blocks * bsize,
		Available: st.Bavail * bsize,
	}, nil
}
