package block

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-iscsi/targetd/internal/lio"
)

// fakeBackend is an in-memory block.Backend used to exercise the
// orchestrator without a real LVM or ZFS installation.
type fakeBackend struct {
	pool string
	vols map[string]VolumeInfo
}

func newFakeBackend(pool string) *fakeBackend {
	return &fakeBackend{pool: pool, vols: map[string]VolumeInfo{}}
}

func (f *fakeBackend) HasPool(pool string) bool { return pool == f.pool }
func (f *fakeBackend) HasSOName(soName string) bool {
	return len(soName) > len(f.pool)+1 && soName[:len(f.pool)+1] == f.pool+":"
}
func (f *fakeBackend) HasUdevPath(udevPath string) bool {
	prefix := "/dev/" + f.pool + "/"
	return len(udevPath) > len(prefix) && udevPath[:len(prefix)] == prefix
}
func (f *fakeBackend) GetSOName(pool, volName string) string { return pool + ":" + volName }
func (f *fakeBackend) DevPath(pool, volName string) string   { return "/dev/" + pool + "/" + volName }

func (f *fakeBackend) Volumes(pool string) ([]VolumeInfo, error) {
	var out []VolumeInfo
	for _, v := range f.vols {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeBackend) Create(pool, name string, size int64) error {
	f.vols[name] = VolumeInfo{Name: name, Size: size, UUID: "uuid-" + name}
	return nil
}

func (f *fakeBackend) Destroy(pool, name string) error {
	delete(f.vols, name)
	return nil
}

func (f *fakeBackend) Copy(pool, volOrig, volNew string, size int64) error {
	orig, ok := f.vols[volOrig]
	if !ok {
		return fmt.Errorf("no such volume %s", volOrig)
	}
	newSize := orig.Size
	if size > 0 {
		newSize = size
	}
	f.vols[volNew] = VolumeInfo{Name: volNew, Size: newSize, UUID: "uuid-" + volNew}
	return nil
}

func (f *fakeBackend) Resize(pool, name string, size int64) error {
	v, ok := f.vols[name]
	if !ok {
		return fmt.Errorf("no such volume %s", name)
	}
	v.Size = size
	f.vols[name] = v
	return nil
}

func (f *fakeBackend) Pools() ([]PoolInfo, error) {
	return []PoolInfo{{Name: f.pool, Size: 100 << 30, FreeSize: 50 << 30}}, nil
}

func newTestOrchestrator(backend *fakeBackend) *Orchestrator {
	return New("iqn.2003-01.org.linux-iscsi.test:targetd", "", nil, lio.NewRoot(), backend)
}

func TestCreateAndListVolumes(t *testing.T) {
	b := newFakeBackend("vg0")
	o := newTestOrchestrator(b)

	require.NoError(t, o.Create("vg0", "data1", 10<<20))

	vols, err := o.Volumes("vg0")
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, "data1", vols[0].Name)
	assert.EqualValues(t, 10<<20, vols[0].Size)
}

func TestCreateOnUnknownPool(t *testing.T) {
	b := newFakeBackend("vg0")
	o := newTestOrchestrator(b)

	err := o.Create("vg1", "data1", 10<<20)
	assert.Error(t, err)
}

func TestExportCreateThenDestroy(t *testing.T) {
	b := newFakeBackend("vg0")
	o := newTestOrchestrator(b)
	require.NoError(t, o.Create("vg0", "data1", 10<<20))

	require.NoError(t, o.ExportCreate("vg0", "data1", "iqn.initiator:1", 0))

	exports, err := o.ExportList()
	require.NoError(t, err)
	require.Len(t, exports, 1)
	assert.Equal(t, "data1", exports[0].VolName)
	assert.Equal(t, 0, exports[0].LUN)

	require.NoError(t, o.ExportDestroy("vg0", "data1", "iqn.initiator:1"))
	exports, err = o.ExportList()
	require.NoError(t, err)
	assert.Empty(t, exports)
}

func TestDestroyWhileExportedIsRefused(t *testing.T) {
	b := newFakeBackend("vg0")
	o := newTestOrchestrator(b)
	require.NoError(t, o.Create("vg0", "data1", 10<<20))
	require.NoError(t, o.ExportCreate("vg0", "data1", "iqn.initiator:1", 0))

	err := o.Destroy("vg0", "data1")
	assert.Error(t, err)
}

func TestAccessGroupLifecycle(t *testing.T) {
	b := newFakeBackend("vg0")
	o := newTestOrchestrator(b)
	require.NoError(t, o.Create("vg0", "data1", 10<<20))

	require.NoError(t, o.AccessGroupCreate("ag1", "iqn.initiator:1", "iscsi"))
	groups := o.AccessGroupList()
	require.Len(t, groups, 1)
	assert.Equal(t, "ag1", groups[0].Name)
	assert.Contains(t, groups[0].InitIDs, "iqn.initiator:1")

	require.NoError(t, o.AccessGroupMapCreate("vg0", "data1", "ag1", nil))
	maps := o.AccessGroupMapList()
	require.Len(t, maps, 1)
	assert.Equal(t, "ag1", maps[0].AGName)
	assert.Equal(t, 0, maps[0].HLunID)

	require.NoError(t, o.AccessGroupMapDestroy("vg0", "data1", "ag1"))
	assert.Empty(t, o.AccessGroupMapList())

	require.NoError(t, o.AccessGroupDestroy("ag1"))
	assert.Empty(t, o.AccessGroupList())
}

func TestAccessGroupMapCreateWithoutMembersFails(t *testing.T) {
	b := newFakeBackend("vg0")
	o := newTestOrchestrator(b)
	require.NoError(t, o.Create("vg0", "data1", 10<<20))

	err := o.AccessGroupMapCreate("vg0", "data1", "nonexistent", nil)
	assert.Error(t, err)
}

func TestInitiatorSetAuthClearsOnEmpty(t *testing.T) {
	b := newFakeBackend("vg0")
	o := newTestOrchestrator(b)

	require.NoError(t, o.InitiatorSetAuth("iqn.initiator:1", "u", "p", "", ""))
	require.NoError(t, o.InitiatorSetAuth("iqn.initiator:1", "", "", "", ""))

	tpg := o.lookupTPG()
	require.NotNil(t, tpg)
	na := tpg.LookupNodeACL("iqn.initiator:1")
	require.NotNil(t, na)
	assert.Empty(t, na.ChapUserID)
	assert.Empty(t, na.ChapPassword)
}
