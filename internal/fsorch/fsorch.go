// Package fsorch is the filesystem storage orchestration layer: it routes
// pool operations to whichever registered backend (btrfs, ZFS) owns the
// pool, resolves filesystems and snapshots by uuid the way the dispatch
// table's fs_* methods expect, and delegates NFS export management to
// internal/nfsexport.
package fsorch

import (
	"sort"

	"github.com/open-iscsi/targetd/internal/nfsexport"
	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/toolexec"
)

// PoolInfo is a backend-neutral filesystem pool size/free-space summary.
type PoolInfo struct {
	Name     string
	Size     int64
	FreeSize int64
}

// FSEntry is a backend-neutral filesystem listing entry.
type FSEntry struct {
	Name       string
	UUID       string
	TotalSpace int64
	FreeSpace  int64
	Pool       string
	FullPath   string
}

// Snapshot is a backend-neutral read-only snapshot entry.
type Snapshot struct {
	Name      string
	UUID      string
	Timestamp int64
}

// Backend is the capability interface every filesystem storage driver
// (btrfs, ZFS) implements, matching the reference implementation's
// has_fs_pool dispatch contract.
type Backend interface {
	HasFSPool(pool string) bool
	Pools() ([]PoolInfo, error)
	FSCreate(pool, name string, sizeBytes int64) error
	FSDestroy(pool, name string) error
	FSHash() (map[string]FSEntry, error)
	SS(pool, name string) ([]Snapshot, error)
	FSSnapshot(pool, name, destSSName string) error
	FSSnapshotDelete(pool, name, ssName string) error
	FSClone(pool, name, destFSName, snapshotName string) error
}

// Orchestrator ties the configured filesystem backends to NFS export
// management.
type Orchestrator struct {
	backends []Backend
	nfs      *nfsexport.Manager
}

// New returns an Orchestrator using nfs for export management.
func New(nfs *nfsexport.Manager, backends ...Backend) *Orchestrator {
	return &Orchestrator{backends: backends, nfs: nfs}
}

func (o *Orchestrator) backendForPool(pool string) (Backend, error) {
	for _, b := range o.backends {
		if b.HasFSPool(pool) {
			return b, nil
		}
	}
	return nil, rpcerr.New(rpcerr.InvalidPool, "invalid filesystem pool %q", pool)
}

// Pools reports size/free-space across every registered backend's pools.
func (o *Orchestrator) Pools() ([]PoolInfo, error) {
	var out []PoolInfo
	for _, b := range o.backends {
		pools, err := b.Pools()
		if err != nil {
			return nil, err
		}
		out = append(out, pools...)
	}
	return out, nil
}

// FSCreate creates a new filesystem named name under pool.
func (o *Orchestrator) FSCreate(pool, name string, sizeBytes int64) error {
	b, err := o.backendForPool(pool)
	if err != nil {
		return err
	}
	return b.FSCreate(pool, name, sizeBytes)
}

// FSList enumerates every managed filesystem across every backend.
func (o *Orchestrator) FSList() ([]FSEntry, error) {
	var out []FSEntry
	for _, b := range o.backends {
		hash, err := b.FSHash()
		if err != nil {
			return nil, err
		}
		for _, e := range hash {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath < out[j].FullPath })
	return out, nil
}

// fsByUUID resolves a filesystem uuid to its backend and entry, scanning
// every registered backend the way _get_fs_by_uuid scans the single
// backend's full listing.
func (o *Orchestrator) fsByUUID(fsUUID string) (Backend, *FSEntry, error) {
	for _, b := range o.backends {
		hash, err := b.FSHash()
		if err != nil {
			return nil, nil, err
		}
		for _, e := range hash {
			if e.UUID == fsUUID {
				entry := e
				return b, &entry, nil
			}
		}
	}
	return nil, nil, rpcerr.New(rpcerr.NotFoundFS, "fs_uuid not found")
}

// ssByUUID resolves a snapshot uuid within the filesystem named by entry.
func ssByUUID(b Backend, entry *FSEntry, ssUUID string) (*Snapshot, error) {
	snaps, err := b.SS(entry.Pool, entry.Name)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		if s.UUID == ssUUID {
			snap := s
			return &snap, nil
		}
	}
	return nil, rpcerr.New(rpcerr.NotFoundSS, "snapshot not found")
}

// FSDestroy removes the filesystem identified by fsUUID, along with every
// snapshot of it.
func (o *Orchestrator) FSDestroy(fsUUID string) error {
	b, entry, err := o.fsByUUID(fsUUID)
	if err != nil {
		return err
	}
	return b.FSDestroy(entry.Pool, entry.Name)
}

// SSList lists the snapshots of the filesystem identified by fsUUID.
func (o *Orchestrator) SSList(fsUUID string) ([]Snapshot, error) {
	b, entry, err := o.fsByUUID(fsUUID)
	if err != nil {
		return nil, err
	}
	return b.SS(entry.Pool, entry.Name)
}

// FSSnapshot creates a read-only snapshot of the filesystem identified by
// fsUUID.
func (o *Orchestrator) FSSnapshot(fsUUID, destSSName string) error {
	if err := toolexec.CheckName(destSSName); err != nil {
		return err
	}
	b, entry, err := o.fsByUUID(fsUUID)
	if err != nil {
		return err
	}
	return b.FSSnapshot(entry.Pool, entry.Name, destSSName)
}

// FSSnapshotDelete removes the snapshot ssUUID of the filesystem fsUUID.
func (o *Orchestrator) FSSnapshotDelete(fsUUID, ssUUID string) error {
	b, entry, err := o.fsByUUID(fsUUID)
	if err != nil {
		return err
	}
	snap, err := ssByUUID(b, entry, ssUUID)
	if err != nil {
		return err
	}
	return b.FSSnapshotDelete(entry.Pool, entry.Name, snap.Name)
}

// FSClone creates destFSName as a clone of the filesystem fsUUID, or of one
// of its snapshots if snapshotID is non-empty.
func (o *Orchestrator) FSClone(fsUUID, destFSName, snapshotID string) error {
	if err := toolexec.CheckName(destFSName); err != nil {
		return err
	}
	b, entry, err := o.fsByUUID(fsUUID)
	if err != nil {
		return err
	}

	snapshotName := ""
	if snapshotID != "" {
		snap, err := ssByUUID(b, entry, snapshotID)
		if err != nil {
			return err
		}
		snapshotName = snap.Name
	}

	return b.FSClone(entry.Pool, entry.Name, destFSName, snapshotName)
}

// NFSExportAuthList returns the supported NFS security flavors.
func (o *Orchestrator) NFSExportAuthList() []string {
	return o.nfs.SecurityOptions()
}

// NFSExportList enumerates every configured NFS export.
func (o *Orchestrator) NFSExportList() ([]*nfsexport.Export, error) {
	return o.nfs.Exports()
}

// NFSExportAdd publishes path to host over NFS with the given options.
func (o *Orchestrator) NFSExportAdd(host, path string, bits int, keyVals map[string]string) error {
	return o.nfs.ExportAdd(host, path, bits, keyVals)
}

// NFSExportRemove withdraws the export of path to host.
func (o *Orchestrator) NFSExportRemove(host, path string) error {
	return o.nfs.ExportRemove(host, path)
}
