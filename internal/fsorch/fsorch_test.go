package fsorch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-iscsi/targetd/internal/nfsexport"
)

// fakeBackend is an in-memory fsorch.Backend used to exercise the
// orchestrator's uuid-resolution logic without a real btrfs or ZFS pool.
type fakeBackend struct {
	pool string
	fs   map[string]FSEntry          // name -> entry
	ss   map[string][]Snapshot       // fs name -> snapshots
	next int
}

func newFakeBackend(pool string) *fakeBackend {
	return &fakeBackend{pool: pool, fs: map[string]FSEntry{}, ss: map[string][]Snapshot{}}
}

func (f *fakeBackend) HasFSPool(pool string) bool { return pool == f.pool }

func (f *fakeBackend) Pools() ([]PoolInfo, error) {
	return []PoolInfo{{Name: f.pool, Size: 100 << 30, FreeSize: 50 << 30}}, nil
}

func (f *fakeBackend) FSCreate(pool, name string, sizeBytes int64) error {
	f.next++
	f.fs[name] = FSEntry{
		Name: name, UUID: fmt.Sprintf("uuid-%d", f.next), TotalSpace: sizeBytes,
		Pool: pool, FullPath: pool + "/" + name,
	}
	return nil
}

func (f *fakeBackend) FSDestroy(pool, name string) error {
	delete(f.fs, name)
	delete(f.ss, name)
	return nil
}

func (f *fakeBackend) FSHash() (map[string]FSEntry, error) {
	out := map[string]FSEntry{}
	for k, v := range f.fs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeBackend) SS(pool, name string) ([]Snapshot, error) {
	return f.ss[name], nil
}

func (f *fakeBackend) FSSnapshot(pool, name, destSSName string) error {
	f.next++
	f.ss[name] = append(f.ss[name], Snapshot{Name: destSSName, UUID: fmt.Sprintf("ss-uuid-%d", f.next)})
	return nil
}

func (f *fakeBackend) FSSnapshotDelete(pool, name, ssName string) error {
	snaps := f.ss[name]
	for i, s := range snaps {
		if s.Name == ssName {
			f.ss[name] = append(snaps[:i], snaps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no such snapshot %s", ssName)
}

func (f *fakeBackend) FSClone(pool, name, destFSName, snapshotName string) error {
	f.next++
	f.fs[destFSName] = FSEntry{Name: destFSName, UUID: fmt.Sprintf("uuid-%d", f.next), Pool: pool, FullPath: pool + "/" + destFSName}
	return nil
}

func newTestOrchestrator(backend *fakeBackend) *Orchestrator {
	return New(nfsexport.NewManager(), backend)
}

func TestFSCreateAndList(t *testing.T) {
	b := newFakeBackend("pool0")
	o := newTestOrchestrator(b)

	require.NoError(t, o.FSCreate("pool0", "fs1", 1<<30))

	entries, err := o.FSList()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fs1", entries[0].Name)
}

func TestFSDestroyByUUID(t *testing.T) {
	b := newFakeBackend("pool0")
	o := newTestOrchestrator(b)
	require.NoError(t, o.FSCreate("pool0", "fs1", 1<<30))

	entries, err := o.FSList()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, o.FSDestroy(entries[0].UUID))
	entries, err = o.FSList()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFSDestroyUnknownUUID(t *testing.T) {
	b := newFakeBackend("pool0")
	o := newTestOrchestrator(b)
	err := o.FSDestroy("not-a-real-uuid")
	assert.Error(t, err)
}

func TestSnapshotLifecycle(t *testing.T) {
	b := newFakeBackend("pool0")
	o := newTestOrchestrator(b)
	require.NoError(t, o.FSCreate("pool0", "fs1", 1<<30))

	entries, err := o.FSList()
	require.NoError(t, err)
	fsUUID := entries[0].UUID

	require.NoError(t, o.FSSnapshot(fsUUID, "snap1"))
	snaps, err := o.SSList(fsUUID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "snap1", snaps[0].Name)

	require.NoError(t, o.FSSnapshotDelete(fsUUID, snaps[0].UUID))
	snaps, err = o.SSList(fsUUID)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestFSCloneFromSnapshot(t *testing.T) {
	b := newFakeBackend("pool0")
	o := newTestOrchestrator(b)
	require.NoError(t, o.FSCreate("pool0", "fs1", 1<<30))

	entries, err := o.FSList()
	require.NoError(t, err)
	fsUUID := entries[0].UUID

	require.NoError(t, o.FSSnapshot(fsUUID, "snap1"))
	snaps, err := o.SSList(fsUUID)
	require.NoError(t, err)

	require.NoError(t, o.FSClone(fsUUID, "fs1-clone", snaps[0].UUID))

	entries, err = o.FSList()
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Contains(t, names, "fs1-clone")
}
