package fsorch

import "github.com/open-iscsi/targetd/internal/zfsbackend"

// ZFSFSAdapter adapts *zfsbackend.Backend's dataset-facing methods to the
// fsorch Backend capability interface. ZFS datasets ignore the size hint
// on create, matching the reference implementation's fs_create signature
// for ZFS pools.
type ZFSFSAdapter struct {
	*zfsbackend.Backend
}

// NewZFSFSAdapter wraps an initialized ZFS backend's filesystem (dataset)
// side for use by an Orchestrator.
func NewZFSFSAdapter(b *zfsbackend.Backend) *ZFSFSAdapter {
	return &ZFSFSAdapter{Backend: b}
}

func (a *ZFSFSAdapter) Pools() ([]PoolInfo, error) {
	pools, err := a.Backend.FSPools()
	if err != nil {
		return nil, err
	}
	out := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolInfo{Name: p.Name, Size: p.Size, FreeSize: p.FreeSize})
	}
	return out, nil
}

func (a *ZFSFSAdapter) FSCreate(pool, name string, sizeBytes int64) error {
	return a.Backend.FSCreate(pool, name)
}

func (a *ZFSFSAdapter) FSHash() (map[string]FSEntry, error) {
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

func (a *ZFSFSAdapter) SS(pool, name string) ([]Snapshot, error) {
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
