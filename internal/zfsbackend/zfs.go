// Package zfsbackend is the ZFS storage backend: block volumes are zvols,
// filesystems are datasets, both exported from a configured set of ZFS
// pools/datasets. It drives the zfs(8) CLI directly — there is no ZFS Go
// binding in this ecosystem worth trusting over the tool itself.
package zfsbackend

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/toolexec"
)

// allowedDatasetName mirrors the reference implementation's
// ALLOWED_DATASET_NAMES: must start with an alnum, then alnum/._- .
var allowedDatasetName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// checkDatasetName validates a user-supplied zvol/dataset name against the
// ZFS-specific naming pattern, which differs from toolexec.CheckName's
// generic one: it allows '.', and requires the first character to be
// alphanumeric.
func checkDatasetName(name string) error {
	if !allowedDatasetName.MatchString(name) {
		return rpcerr.New(rpcerr.InvalidArgument,
			"invalid dataset name, can only contain alphanumeric characters, underscores, dots and hyphens")
	}
	return nil
}

// Backend implements the block- and filesystem-pool capability interfaces
// for ZFS-managed pools and datasets.
type Backend struct {
	pools     []string          // block pools: bare zpool/dataset names
	fsPools   map[string]string // fs pool name -> backing zfs dataset
	EnableCopy bool
}

// New returns a ZFS backend with no pools configured.
func New() *Backend {
	return &Backend{fsPools: map[string]string{}}
}

// VolInfo mirrors the uuid+size pair the orchestration layer needs from any
// backend, independent of how that backend represents it internally.
type VolInfo struct {
	UUID string
	Size int64
}

// InitializeBlock validates and stores the configured block pools (plain
// zpool or nested dataset names, no pool may be an ancestor of another, and
// none may contain ':' since that's the storage-object separator).
func (b *Backend) InitializeBlock(enableCopy bool, pools []string) error {
	b.EnableCopy = b.EnableCopy || enableCopy
	if err := checkPoolsAccess(pools); err != nil {
		return err
	}
	if len(pools) == 0 {
		b.pools = nil
		return nil
	}
	props, err := zfsGet(pools, []string{"type", "name"}, false, "all")
	if err != nil {
		return err
	}
	for _, p := range pools {
		info, ok := props[p]
		if !ok || info["type"] == "" {
			return rpcerr.New(rpcerr.Invalid, "ZFS dataset does not exist: %s", p)
		}
		if info["type"] != "filesystem" {
			return rpcerr.New(rpcerr.Invalid,
				"ZFS dataset must be of 'filesystem' type. %s is %s", p, info["type"])
		}
	}
	b.pools = pools
	return nil
}

// InitializeFS validates and stores the configured filesystem pools, given
// as a map of pool-name -> backing ZFS dataset.
func (b *Backend) InitializeFS(enableCopy bool, pools map[string]string) error {
	b.EnableCopy = b.EnableCopy || enableCopy
	devices := make([]string, 0, len(pools))
	for _, dev := range pools {
		devices = append(devices, dev)
	}
	if err := checkPoolsAccess(devices); err != nil {
		return err
	}
	b.fsPools = pools
	return nil
}

func checkPoolsAccess(pools []string) error {
	for _, s := range pools {
		for _, p := range pools {
			if s != p && strings.HasPrefix(s, p+"/") {
				return rpcerr.New(rpcerr.Invalid, "ZFS pools cannot contain both parent and child datasets")
			}
		}
	}
	for _, p := range pools {
		if strings.Contains(p, ":") {
			return rpcerr.New(rpcerr.Invalid, "Colon in ZFS pools is not supported")
		}
	}
	return nil
}

// HasPool reports whether pool is one of the configured block pools.
func (b *Backend) HasPool(pool string) bool {
	for _, p := range b.pools {
		if p == pool {
			return true
		}
	}
	return false
}

// HasFSPool reports whether pool is one of the configured filesystem pools.
func (b *Backend) HasFSPool(pool string) bool {
	_, ok := b.fsPools[pool]
	return ok
}

// GetSOName builds the LIO storage object name for a zvol: '/' is not legal
// in a storage object name, so it's swapped for '%'.
func (b *Backend) GetSOName(pool, volName string) string {
	return fmt.Sprintf("%s:%s", strings.ReplaceAll(pool, "/", "%"), volName)
}

// HasSOName reports whether so_name's pool component names one of our
// block pools.
func (b *Backend) HasSOName(soName string) bool {
	parts := strings.SplitN(soName, ":", 2)
	if len(parts) != 2 {
		return false
	}
	return b.HasPool(strings.ReplaceAll(parts[0], "%", "/"))
}

// DevPath returns the block device path for a zvol.
func (b *Backend) DevPath(pool, volName string) string {
	return fmt.Sprintf("/dev/%s/%s", pool, volName)
}

// HasUdevPath reports whether a mapped-lun udev path names a dataset under
// one of our configured pools.
func (b *Backend) HasUdevPath(udevPath string) bool {
	parts := strings.SplitN(strings.TrimPrefix(udevPath, "/"), "/", 2)
	if len(parts) < 2 {
		return false
	}
	dataset := parts[1]
	for _, p := range b.pools {
		if strings.HasPrefix(dataset, p+"/") {
			return true
		}
	}
	return false
}

func zfsExec(args ...string) (toolexec.Result, error) {
	return toolexec.Invoke(false, append([]string{"/usr/sbin/zfs"}, args...)...)
}

func zfsExecRaise(args ...string) error {
	_, err := toolexec.Invoke(true, append([]string{"/usr/sbin/zfs"}, args...)...)
	return err
}

// zfsGet runs `zfs get -Hp [-r] -t fstype prop1,prop2,... dataset...` and
// returns dataset -> property -> value, matching the reference
// implementation's tab-separated parse.
func zfsGet(datasets, properties []string, recursive bool, fstype string) (map[string]map[string]string, error) {
	flags := "-Hp"
	if recursive {
		flags = "-Hpr"
	}
	args := append([]string{"get", flags, "-t", fstype, strings.Join(properties, ",")}, datasets...)
	res, err := zfsExec(args...)
	if err != nil {
		return nil, err
	}
	out := res.Stdout

	result := map[string]map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) < 3 {
			continue
		}
		m, ok := result[fields[0]]
		if !ok {
			m = map[string]string{}
			result[fields[0]] = m
		}
		m[fields[1]] = strings.TrimSpace(fields[2])
	}
	return result, nil
}

// PoolInfo is the size/free-space summary for a block pool.
type PoolInfo struct {
	Name     string
	Size     int64
	FreeSize int64
	UUID     string
}

// BlockPools reports size/free-space for every configured block pool.
func (b *Backend) BlockPools() ([]PoolInfo, error) {
	if len(b.pools) == 0 {
		return nil, nil
	}
	props, err := zfsGet(b.pools, []string{"available", "used", "guid"}, false, "all")
	if err != nil {
		return nil, err
	}
	var out []PoolInfo
	for _, pool := range b.pools {
		p := props[pool]
		avail, _ := strconv.ParseInt(p["available"], 10, 64)
		used, _ := strconv.ParseInt(p["used"], 10, 64)
		out = append(out, PoolInfo{Name: pool, Size: avail + used, FreeSize: avail, UUID: p["guid"]})
	}
	return out, nil
}

// FSPoolInfo is the size/free-space summary for a filesystem pool.
type FSPoolInfo struct {
	Name     string
	Size     int64
	FreeSize int64
}

// FSPools reports size/free-space for every configured filesystem pool.
func (b *Backend) FSPools() ([]FSPoolInfo, error) {
	var out []FSPoolInfo
	for pool, zfsPool := range b.fsPools {
		props, err := zfsGet([]string{zfsPool}, []string{"name", "used", "available"}, false, "filesystem")
		if err != nil {
			return nil, err
		}
		p, ok := props[zfsPool]
		if !ok {
			continue
		}
		avail, _ := strconv.ParseInt(p["available"], 10, 64)
		used, _ := strconv.ParseInt(p["used"], 10, 64)
		out = append(out, FSPoolInfo{Name: pool, Size: avail + used, FreeSize: avail})
	}
	return out, nil
}

// Volume is one zvol entry.
type Volume struct {
	Name string
	Size int64
	UUID string
}

// Volumes lists the zvols under pool.
func (b *Backend) Volumes(pool string) ([]Volume, error) {
	props, err := zfsGet([]string{pool}, []string{"volsize", "guid"}, true, "volume")
	if err != nil {
		return nil, err
	}
	var out []Volume
	for fullname, p := range props {
		size, _ := strconv.ParseInt(p["volsize"], 10, 64)
		out = append(out, Volume{
			Name: strings.TrimPrefix(fullname, pool+"/"),
			Size: size,
			UUID: p["guid"],
		})
	}
	return out, nil
}

// VolInfoOf returns the uuid/size of a single zvol, or nil if absent.
func (b *Backend) VolInfoOf(pool, name string) (*VolInfo, error) {
	props, err := zfsGet([]string{pool + "/" + name}, []string{"guid", "volsize"}, false, "volume")
	if err != nil {
		return nil, err
	}
	p, ok := props[pool+"/"+name]
	if !ok {
		return nil, nil
	}
	size, _ := strconv.ParseInt(p["volsize"], 10, 64)
	return &VolInfo{UUID: p["guid"], Size: size}, nil
}

// FSInfo is the uuid/total-space pair for a dataset.
type FSInfo struct {
	UUID  string
	Size  int64
}

func (b *Backend) fsInfoOf(pool, name string) (*FSInfo, error) {
	props, err := zfsGet([]string{pool + "/" + name}, []string{"guid", "used", "available"}, false, "filesystem")
	if err != nil {
		return nil, err
	}
	p, ok := props[pool+"/"+name]
	if !ok {
		return nil, nil
	}
	used, _ := strconv.ParseInt(p["used"], 10, 64)
	avail, _ := strconv.ParseInt(p["available"], 10, 64)
	return &FSInfo{UUID: p["guid"], Size: used + avail}, nil
}

// Create makes a new zvol of size bytes in pool.
func (b *Backend) Create(pool, name string, size int64) error {
	if err := checkDatasetName(name); err != nil {
		return err
	}
	if err := zfsExecRaise("create", "-V", strconv.FormatInt(size, 10), pool+"/"+name); err != nil {
		return rpcerr.New(rpcerr.UnexpectedExitCode, "could not create volume %s on pool %s", name, pool)
	}
	return nil
}

// Resize grows or shrinks a zvol to size bytes by setting its volsize
// property.
func (b *Backend) Resize(pool, name string, size int64) error {
	if err := checkDatasetName(name); err != nil {
		return err
	}
	if err := zfsExecRaise("set", fmt.Sprintf("volsize=%d", size), pool+"/"+name); err != nil {
		return rpcerr.New(rpcerr.UnexpectedExitCode, "could not resize volume %s on pool %s", name, pool)
	}
	return nil
}

// Destroy removes a zvol, recursively destroying its snapshots (but not
// dependent clones, which must be removed first).
func (b *Backend) Destroy(pool, name string) error {
	if err := checkDatasetName(name); err != nil {
		return err
	}
	res, err := zfsExec("destroy", "-r", pool+"/"+name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "dependent clones") {
			return rpcerr.New(rpcerr.InvalidArgument,
				"volume %s on %s has dependent clones and cannot be destroyed", name, pool)
		}
		return rpcerr.New(rpcerr.UnexpectedExitCode, "could not destroy volume %s on pool %s", name, pool)
	}
	return nil
}

// Copy creates volNew as a clone of a fresh snapshot of volOrig. Gated by
// EnableCopy, since the reference implementation treats ZFS clone-based
// copy as an opt-in feature (the resulting volume stays dependent on its
// parent's snapshot until promoted).
func (b *Backend) Copy(pool, volOrig, volNew string) error {
	return b.copyInternal(pool, volOrig, volNew, b.VolInfoOf, "")
}

func (b *Backend) copyInternal(pool, orig, dest string, infoFn func(string, string) (*VolInfo, error), snap string) error {
	if !b.EnableCopy {
		return rpcerr.New(rpcerr.NoSupport, "copy on ZFS disabled. Consult manual before enabling it")
	}
	if err := checkDatasetName(orig); err != nil {
		return err
	}
	if err := checkDatasetName(dest); err != nil {
		return err
	}
	origInfo, err := infoFn(pool, orig)
	if err != nil {
		return err
	}
	if origInfo == nil {
		return rpcerr.New(rpcerr.InvalidArgument, "source volume %s does not exist on pool %s", orig, pool)
	}
	destInfo, err := infoFn(pool, dest)
	if err != nil {
		return err
	}
	if destInfo != nil {
		return rpcerr.New(rpcerr.NameConflict, "destination volume %s already exists on pool %s", dest, pool)
	}

	if snap == "" {
		snap = dest + strconv.FormatInt(time.Now().Unix(), 10)
		if err := zfsExecRaise("snapshot", fmt.Sprintf("%s/%s@%s", pool, orig, snap)); err != nil {
			return rpcerr.New(rpcerr.UnexpectedExitCode, "could not create snapshot of %s on pool %s", orig, pool)
		}
	}
	if err := zfsExecRaise("clone", fmt.Sprintf("%s/%s@%s", pool, orig, snap), fmt.Sprintf("%s/%s", pool, dest)); err != nil {
		_, _ = zfsExec("destroy", fmt.Sprintf("%s/%s@%s", pool, orig, snap))
		return rpcerr.New(rpcerr.UnexpectedExitCode, "could not create clone of %s@%s on pool %s", orig, snap, pool)
	}
	return nil
}

// FSCreate creates a dataset named name under the filesystem pool.
func (b *Backend) FSCreate(pool, name string) error {
	if err := checkDatasetName(name); err != nil {
		return err
	}
	zfsPool, ok := b.fsPools[pool]
	if !ok {
		return rpcerr.New(rpcerr.InvalidPool, "unknown fs pool %s", pool)
	}
	if err := zfsExecRaise("create", zfsPool+"/"+name); err != nil {
		return rpcerr.New(rpcerr.UnexpectedExitCode, "could not create volume %s on pool %s", name, pool)
	}
	return nil
}

// FSDestroy removes a dataset.
func (b *Backend) FSDestroy(pool, name string) error {
	zfsPool, ok := b.fsPools[pool]
	if !ok {
		return rpcerr.New(rpcerr.InvalidPool, "unknown fs pool %s", pool)
	}
	return b.Destroy(zfsPool, name)
}

// FSEntry is one dataset entry as returned by FSHash.
type FSEntry struct {
	Name       string
	UUID       string
	TotalSpace int64
	FreeSpace  int64
	Pool       string
	FullPath   string
}

// FSHash returns every dataset under every configured fs pool, keyed by
// its full ZFS dataset name.
func (b *Backend) FSHash() (map[string]FSEntry, error) {
	out := map[string]FSEntry{}
	for pool, zfsPool := range b.fsPools {
		props, err := zfsGet([]string{zfsPool}, []string{"name", "mountpoint", "guid", "used", "available"}, true, "filesystem")
		if err != nil {
			return nil, err
		}
		for fullname, p := range props {
			if fullname == zfsPool {
				continue
			}
			subvol := strings.TrimPrefix(fullname, zfsPool+"/")
			used, _ := strconv.ParseInt(p["used"], 10, 64)
			avail, _ := strconv.ParseInt(p["available"], 10, 64)
			out[p["name"]] = FSEntry{
				Name:       subvol,
				UUID:       p["guid"],
				TotalSpace: used + avail,
				FreeSpace:  avail,
				Pool:       pool,
				FullPath:   p["mountpoint"],
			}
		}
	}
	return out, nil
}

// Snapshot is one dataset snapshot.
type Snapshot struct {
	Name      string
	UUID      string
	Timestamp int64
}

// SS lists the snapshots of dataset name under filesystem pool.
func (b *Backend) SS(pool, name string) ([]Snapshot, error) {
	zfsPool, ok := b.fsPools[pool]
	if !ok {
		return nil, rpcerr.New(rpcerr.InvalidPool, "unknown fs pool %s", pool)
	}
	props, err := zfsGet([]string{zfsPool + "/" + name}, []string{"name", "guid", "creation"}, true, "snapshot")
	if err != nil {
		return nil, err
	}
	prefix := zfsPool + "/" + name + "@"
	var out []Snapshot
	for fullname, p := range props {
		if !strings.HasPrefix(fullname, prefix) {
			continue
		}
		ts, _ := strconv.ParseInt(p["creation"], 10, 64)
		out = append(out, Snapshot{
			Name:      strings.TrimPrefix(p["name"], prefix),
			UUID:      p["guid"],
			Timestamp: ts,
		})
	}
	return out, nil
}

func (b *Backend) snapInfo(zfsPool, name, snapshot string) (string, error) {
	target := zfsPool + "/" + name + "@" + snapshot
	props, err := zfsGet([]string{target}, []string{"guid"}, false, "snapshot")
	if err != nil {
		return "", err
	}
	p, ok := props[target]
	if !ok {
		return "", nil
	}
	return p["guid"], nil
}

// FSSnapshot creates a snapshot of dataset name named destSSName.
func (b *Backend) FSSnapshot(pool, name, destSSName string) error {
	if err := checkDatasetName(name); err != nil {
		return err
	}
	if err := checkDatasetName(destSSName); err != nil {
		return err
	}
	zfsPool, ok := b.fsPools[pool]
	if !ok {
		return rpcerr.New(rpcerr.InvalidPool, "unknown fs pool %s", pool)
	}
	guid, err := b.snapInfo(zfsPool, name, destSSName)
	if err != nil {
		return err
	}
	if guid != "" {
		return rpcerr.New(rpcerr.NameConflict, "snapshot %s already exists on pool %s for %s", destSSName, pool, name)
	}
	if err := zfsExecRaise("snapshot", fmt.Sprintf("%s/%s@%s", zfsPool, name, destSSName)); err != nil {
		return rpcerr.New(rpcerr.UnexpectedExitCode, "could not create snapshot")
	}
	return nil
}

// FSSnapshotDelete removes a dataset snapshot. A missing snapshot is not an
// error (idempotent delete).
func (b *Backend) FSSnapshotDelete(pool, name, ssName string) error {
	zfsPool, ok := b.fsPools[pool]
	if !ok {
		return rpcerr.New(rpcerr.InvalidPool, "unknown fs pool %s", pool)
	}
	guid, err := b.snapInfo(zfsPool, name, ssName)
	if err != nil {
		return err
	}
	if guid == "" {
		return nil
	}
	if err := zfsExecRaise("destroy", "-r", fmt.Sprintf("%s/%s@%s", zfsPool, name, ssName)); err != nil {
		return rpcerr.New(rpcerr.UnexpectedExitCode, "could not destroy snapshot")
	}
	return nil
}

// FSClone creates destFSName as a clone of name (or of an existing snapshot
// snapshotName, if given) under filesystem pool.
func (b *Backend) FSClone(pool, name, destFSName, snapshotName string) error {
	zfsPool, ok := b.fsPools[pool]
	if !ok {
		return rpcerr.New(rpcerr.InvalidPool, "unknown fs pool %s", pool)
	}
	return b.copyInternal(zfsPool, name, destFSName, b.fsInfoOfWrap(), snapshotName)
}

func (b *Backend) fsInfoOfWrap() func(string, string) (*VolInfo, error) {
	return func(pool, name string) (*VolInfo, error) {
		fi, err := b.fsInfoOf(pool, name)
		if err != nil || fi == nil {
			return nil, err
		}
		return &VolInfo{UUID: fi.UUID, Size: fi.Size}, nil
	}
}
