//go:build !linux

package quota

import "context"

// Quota implements Source. Disk quotas are only reported on linux.
func (d DiskQuota) Quota(context.Context, uint64) (*HostQuota, error) {
	return nil, nil
}
