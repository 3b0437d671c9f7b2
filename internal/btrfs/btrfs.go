// Package btrfs is the btrfs filesystem storage backend. A pool is a btrfs
// mount point; every managed filesystem lives as a subvolume under
// "<mount>/targetd_fs", and every read-only snapshot lives under
// "<mount>/targetd_ss/<fsname>/<snapname>".
package btrfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/toolexec"
	"golang.org/x/sys/unix"
)

const (
	fsPath = "targetd_fs"
	ssPath = "targetd_ss"
)

// Backend implements the has_fs_pool capability interface for btrfs mount
// points.
type Backend struct {
	pools []string
}

// New returns a btrfs backend with no pools configured.
func New() *Backend {
	return &Backend{}
}

// Initialize records the configured mount points and ensures each has its
// targetd_fs and targetd_ss subvolumes.
func (b *Backend) Initialize(mounts []string) error {
	for _, mount := range mounts {
		if err := createSubvolume(filepath.Join(mount, fsPath)); err != nil {
			return err
		}
		if err := createSubvolume(filepath.Join(mount, ssPath)); err != nil {
			return err
		}
	}
	b.pools = mounts
	return nil
}

func createSubvolume(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	_, err := toolexec.Invoke(true, "btrfs", "subvolume", "create", path)
	return err
}

// HasFSPool reports whether pool is a configured mount point.
func (b *Backend) HasFSPool(pool string) bool {
	for _, p := range b.pools {
		if p == pool {
			return true
		}
	}
	return false
}

func (b *Backend) checkPool(pool string) error {
	if !b.HasFSPool(pool) {
		return rpcerr.New(rpcerr.InvalidPool, "invalid filesystem pool (Btrfs)")
	}
	return nil
}

// spaceValues returns (total, free) bytes for mountPoint via statvfs.
func spaceValues(mountPoint string) (total, free int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPoint, &st); err != nil {
		return 0, 0, err
	}
	return int64(st.Blocks) * int64(st.Bsize), int64(st.Bavail) * int64(st.Bsize), nil
}

// PoolInfo is a mount point's size/free-space summary.
type PoolInfo struct {
	Name     string
	Size     int64
	FreeSize int64
}

// Pools reports size/free-space for every configured mount point.
func (b *Backend) Pools() ([]PoolInfo, error) {
	var out []PoolInfo
	for _, pool := range b.pools {
		total, free, err := spaceValues(pool)
		if err != nil {
			return nil, err
		}
		out = append(out, PoolInfo{Name: pool, Size: total, FreeSize: free})
	}
	return out, nil
}

// FSCreate creates a new subvolume "name" under pool.
func (b *Backend) FSCreate(pool, name string, sizeBytes int64) error {
	if err := b.checkPool(pool); err != nil {
		return err
	}
	fullPath := filepath.Join(pool, fsPath, name)
	if _, err := os.Stat(fullPath); err == nil {
		return rpcerr.New(rpcerr.ExistsFSName, "FS already exists (Btrfs)")
	}
	_, err := toolexec.Invoke(true, "btrfs", "subvolume", "create", fullPath)
	return err
}

// FSSnapshot creates a read-only snapshot of subvolume name as destSSName.
func (b *Backend) FSSnapshot(pool, name, destSSName string) error {
	sourcePath := filepath.Join(pool, fsPath, name)
	destBase := filepath.Join(pool, ssPath, name)
	destPath := filepath.Join(destBase, destSSName)

	if err := createSubvolume(destBase); err != nil {
		return err
	}
	if _, err := os.Stat(destPath); err == nil {
		return rpcerr.New(rpcerr.ExistsFSName, "snapshot already exists with that name (Btrfs)")
	}
	_, err := toolexec.Invoke(true, "btrfs", "subvolume", "snapshot", "-r", sourcePath, destPath)
	return err
}

func subvolumeDelete(path string) error {
	_, err := toolexec.Invoke(true, "btrfs", "subvolume", "delete", path)
	return err
}

// FSSnapshotDelete removes a read-only snapshot.
func (b *Backend) FSSnapshotDelete(pool, name, ssName string) error {
	path := filepath.Join(pool, ssPath, name, ssName)
	return subvolumeDelete(path)
}

// FSDestroy removes a subvolume along with every snapshot of it.
func (b *Backend) FSDestroy(pool, name string) error {
	baseSnapshotDir := filepath.Join(pool, ssPath, name)

	snapshots, err := b.SS(pool, name)
	if err != nil {
		return err
	}
	for _, s := range snapshots {
		if err := subvolumeDelete(filepath.Join(baseSnapshotDir, s.Name)); err != nil {
			return err
		}
	}
	if _, err := os.Stat(baseSnapshotDir); err == nil {
		if err := subvolumeDelete(baseSnapshotDir); err != nil {
			return err
		}
	}
	return subvolumeDelete(filepath.Join(pool, fsPath, name))
}

// invokeRetries works around a kernel btrfs quirk where "subvolume list"
// transiently fails with exit code 19 ("Failed to lookup path for root 0");
// it retries up to 5 times with a 1s backoff before giving up.
func invokeRetries(argv ...string) (toolexec.Result, error) {
	var last toolexec.Result
	for i := 0; i < 5; i++ {
		res, err := toolexec.Invoke(false, argv...)
		if err != nil {
			return res, err
		}
		if res.ExitCode == 0 {
			return res, nil
		}
		if res.ExitCode == 19 {
			time.Sleep(time.Second)
			last = res
			continue
		}
		return res, rpcerr.New(rpcerr.UnexpectedExitCode, "unexpected exit code %d (Btrfs)", res.ExitCode)
	}
	return last, rpcerr.New(rpcerr.UnexpectedExitCode, "unable to execute command after multiple retries %v (Btrfs)", argv)
}

// splitStdout splits "btrfs subvolume list" output into whitespace-separated
// rows, stripping the "<FS_TREE>/" prefix btrfs sometimes emits on path
// columns.
func splitStdout(out string) [][]string {
	const stripIt = "<FS_TREE>/"
	var rows [][]string
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) <= 1 {
			continue
		}
		for i, f := range fields {
			fields[i] = strings.TrimPrefix(f, stripIt)
		}
		rows = append(rows, fields)
	}
	return rows
}

// FSEntry is one discovered managed filesystem subvolume.
type FSEntry struct {
	Key        string
	Name       string
	UUID       string
	TotalSpace int64
	FreeSpace  int64
	Pool       string
	FullPath   string
}

// FSHash enumerates every managed filesystem subvolume across all pools,
// keyed by its full path (the pool mount point joined with the subvolume
// path).
func (b *Backend) FSHash() (map[string]FSEntry, error) {
	out := map[string]FSEntry{}
	prefix := fsPath + string(filepath.Separator)

	for _, pool := range b.pools {
		fullPath := filepath.Join(pool, fsPath)
		res, err := invokeRetries("btrfs", "subvolume", "list", "-ua", pool)
		if err != nil {
			return nil, err
		}
		rows := splitStdout(res.Stdout)
		if len(rows) == 0 {
			continue
		}
		total, free, err := spaceValues(fullPath)
		if err != nil {
			return nil, err
		}
		for _, e := range rows {
			if len(e) <= 10 {
				continue
			}
			subVol := e[10]
			if !strings.HasPrefix(subVol, prefix) {
				continue
			}
			key := filepath.Join(pool, subVol)
			out[key] = FSEntry{
				Key:        key,
				Name:       strings.TrimPrefix(subVol, prefix),
				UUID:       e[8],
				TotalSpace: total,
				FreeSpace:  free,
				Pool:       pool,
				FullPath:   key,
			}
		}
	}
	return out, nil
}

// Snapshot is one read-only snapshot entry.
type Snapshot struct {
	Name      string
	UUID      string
	Timestamp int64
}

// SS lists the snapshots of subvolume name under pool.
func (b *Backend) SS(pool, name string) ([]Snapshot, error) {
	fullPath := filepath.Join(pool, ssPath, name)
	if _, err := os.Stat(fullPath); err != nil {
		return nil, nil
	}

	res, err := invokeRetries("btrfs", "subvolume", "list", "-s", fullPath)
	if err != nil {
		return nil, err
	}
	rows := splitStdout(res.Stdout)

	var out []Snapshot
	for _, e := range rows {
		if len(e) < 12 {
			continue
		}
		ts := fmt.Sprintf("%s %s", e[10], e[11])
		t, err := time.ParseInLocation("2006-01-02 15:04:05", ts, time.Local)
		var epoch int64
		if err == nil {
			epoch = t.Unix()
		}
		out = append(out, Snapshot{
			Name:      e[len(e)-1],
			UUID:      e[len(e)-3],
			Timestamp: epoch,
		})
	}
	return out, nil
}

// FSClone creates destFSName as a clone of name, or of snapshotName if
// given, under pool.
func (b *Backend) FSClone(pool, name, destFSName, snapshotName string) error {
	var source string
	dest := filepath.Join(pool, fsPath, destFSName)
	if snapshotName != "" {
		source = filepath.Join(pool, ssPath, name, snapshotName)
	} else {
		source = filepath.Join(pool, fsPath, name)
	}

	if _, err := os.Stat(dest); err == nil {
		return rpcerr.New(rpcerr.ExistsCloneName, "filesystem with that name exists (Btrfs)")
	}
	_, err := toolexec.Invoke(true, "btrfs", "subvolume", "snapshot", source, dest)
	return err
}
