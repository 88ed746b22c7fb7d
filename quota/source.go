package quota

import "context"

// HostQuota is the storage quota reported by the host.
type HostQuota struct {
	Total     uint64
	Available uint64
}

// Source reports the host's storage quota. A nil HostQuota with a nil error
// means the host does not expose one.
type Source interface {
	Quota(ctx context.Context, used uint64) (*HostQuota, error)
}

// FixedQuota is a configured quota in bytes. Available space is whatever the
// engine has not used.
type FixedQuota uint64

// Quota implements Source.
func (q FixedQuota) Quota(_ context.Context, used uint64) (*HostQuota, error) {
	total := uint64(q)
	var available uint64
	if used < total {
		available = total - used
	}
	return &HostQuota{Total: total, Available: available}, nil
}

// NoQuota is a Source for hosts without quota reporting.
type NoQuota struct{}

// Quota implements Source.
func (NoQuota) Quota(context.Context, uint64) (*HostQuota, error) {
	return nil, nil
}

// DiskQuota reports the size and free space of the filesystem holding Dir.
type DiskQuota struct {
	Dir string
}

var (
	_ Source = FixedQuota(0)
	_ Source = NoQuota{}
	_ Source = DiskQuota{}
)
