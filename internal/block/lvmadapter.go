package block

import "github.com/open-iscsi/targetd/internal/lvm"

// LVMAdapter adapts *lvm.Backend to the Backend capability interface,
// converting its ByteSize-typed fields to the plain int64 sizes the
// orchestration layer deals in.
type LVMAdapter struct {
	*lvm.Backend
}

// NewLVMAdapter wraps an initialized LVM backend for use by an Orchestrator.
func NewLVMAdapter(b *lvm.Backend) *LVMAdapter {
	return &LVMAdapter{Backend: b}
}

func (a *LVMAdapter) Volumes(pool string) ([]VolumeInfo, error) {
	vols, err := a.Backend.Volumes(pool)
	if err != nil {
		return nil, err
	}
	out := make([]VolumeInfo, 0, len(vols))
	for _, v := range vols {
		out = append(out, VolumeInfo{Name: v.Name, Size: int64(v.Size), UUID: v.UUID})
	}
	return out, nil
}

func (a *LVMAdapter) Copy(pool, volOrig, volNew string, size int64) error {
	return a.Backend.Copy(pool, volOrig, volNew, size)
}

func (a *LVMAdapter) Pools() ([]PoolInfo, error) {
	pools, err := a.Backend.Pools()
	if err != nil {
		return nil, err
	}
	out := make([]PoolInfo, 0, len(pools))
	for _, p := range pools {
		out = append(out, PoolInfo{Name: p.Name, Size: p.Size, FreeSize: p.FreeSize, UUID: p.UUID})
	}
	return out, nil
}
