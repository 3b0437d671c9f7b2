package block

import (
	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/zfsbackend"
)

// ZFSBlockAdapter adapts *zfsbackend.Backend's zvol-facing methods to the
// Backend capability interface. ZFS copies are always full-size snapshot
// clones (no resize-on-copy), so Copy rejects a nonzero size the same way
// the reference zvol_copy implementation ignores the hint.
type ZFSBlockAdapter struct {
	*zfsbackend.Backend
}

// NewZFSBlockAdapter wraps an initialized ZFS backend's block (zvol) side
// for use by an Orchestrator.
func NewZFSBlockAdapter(b *zfsbackend.Backend) *ZFSBlockAdapter {
	return &ZFSBlockAdapter{Backend: b}
}

func (a *ZFSBlockAdapter) Volumes(pool string) ([]VolumeInfo, error) {
	vols, err := a.Backend.Volumes(pool)
	if err != nil {
		return nil, err
	}
	out := make([]VolumeInfo, 0, len(vols))
	for _, v := range vols {
		out = append(out, VolumeInfo{Name: v.Name, Size: v.Size, UUID: v.UUID})
	}
	return out, nil
}

func (a *ZFSBlockAdapter) Copy(pool, volOrig, volNew string, size int64) error {
	if size > 0 {
		return rpcerr.New(rpcerr.NoSupport, "resize-on-copy is not supported for zfs volumes")
	}
	return a.Backend.Copy(pool, volOrig, volNew)
}

func (a *ZFSBlockAdapter) Pools() ([]PoolInfo, error) {
	pools, err := a.Backend.BlockPools()
	if err != nil {
		return nil, err
	}
	out := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolInfo{Name: p.Name, Size: p.Size, FreeSize: p.FreeSize, UUID: p.UUID})
	}
	return out, nil
}
