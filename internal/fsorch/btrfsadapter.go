package fsorch

import "github.com/open-iscsi/targetd/internal/btrfs"

// BtrfsAdapter adapts *btrfs.Backend to the fsorch Backend capability
// interface.
type BtrfsAdapter struct {
	*btrfs.Backend
}

// NewBtrfsAdapter wraps an initialized btrfs backend for use by an
// Orchestrator.
func NewBtrfsAdapter(b *btrfs.Backend) *BtrfsAdapter {
	return &BtrfsAdapter{Backend: b}
}

func (a *BtrfsAdapter) Pools() ([]PoolInfo, error) {
	pools, err := a.Backend.Pools()
	if err != nil {
		return nil, err
	}
	out := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolInfo{Name: p.Name, Size: p.Size, FreeSize: p.FreeSize})
	}
	return out, nil
}

func (a *BtrfsAdapter) FSHash() (map[string]FSEntry, error) {
	hash, err := a.Backend.FSHash()
	if err != nil {
		return nil, err
	}
	out := make(map[string]FSEntry, len(hash))
	for k, e := range hash {
		out[k] = FSEntry{
			Name:       e.Name,
			UUID:       e.UUID,
			TotalSpace: e.TotalSpace,
			FreeSpace:  e.FreeSpace,
			Pool:       e.Pool,
			FullPath:   e.FullPath,
		}
	}
	return out, nil
}

func (a *BtrfsAdapter) SS(pool, name string) ([]Snapshot, error) {
	snaps, err := a.Backend.SS(pool, name)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, Snapshot{Name: s.Name, UUID: s.UUID, Timestamp: s.Timestamp})
	}
	return out, nil
}
