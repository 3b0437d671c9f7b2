package lio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureTargetIsIdempotent(t *testing.T) {
	r := NewRoot()
	t1 := r.EnsureTarget("iqn.2003-01.org.linux-iscsi.host:targetd")
	t2 := r.EnsureTarget("iqn.2003-01.org.linux-iscsi.host:targetd")
	assert.Same(t, t1, t2)
	assert.Len(t, r.Targets, 1)
}

func TestLookupTargetMissing(t *testing.T) {
	r := NewRoot()
	assert.Nil(t, r.LookupTarget("iqn.nope"))
}

func TestEnsureLUNAssignsSequentialNumbers(t *testing.T) {
	tpg := &TPG{}
	so1 := tpg.EnsureStorageObject("vg0:data1", "/dev/vg0/data1", "wwn1")
	l1 := tpg.EnsureLUN(so1)
	so2 := tpg.EnsureStorageObject("vg0:data2", "/dev/vg0/data2", "wwn2")
	l2 := tpg.EnsureLUN(so2)

	assert.Equal(t, 0, l1.Number)
	assert.Equal(t, 1, l2.Number)

	// re-ensuring the same storage object returns the same LUN, not a new one
	again := tpg.EnsureLUN(so1)
	assert.Same(t, l1, again)
}

func TestDeleteLUNRemovesOnlyThatEntry(t *testing.T) {
	tpg := &TPG{}
	so1 := tpg.EnsureStorageObject("vg0:data1", "/dev/vg0/data1", "wwn1")
	l1 := tpg.EnsureLUN(so1)
	so2 := tpg.EnsureStorageObject("vg0:data2", "/dev/vg0/data2", "wwn2")
	l2 := tpg.EnsureLUN(so2)

	tpg.DeleteLUN(l1)
	require.Len(t, tpg.LUNs, 1)
	assert.Same(t, l2, tpg.LUNs[0])
}

func TestAllInitiatorWWNsIncludesGroups(t *testing.T) {
	tpg := &TPG{}
	tpg.EnsureNodeACL("wwn.standalone")
	g := tpg.EnsureNodeACLGroup("ag1")
	g.WWNs = append(g.WWNs, "wwn.grouped1", "wwn.grouped2")

	wwns := tpg.AllInitiatorWWNs()
	assert.ElementsMatch(t, []string{"wwn.standalone", "wwn.grouped1", "wwn.grouped2"}, wwns)
}

func TestPersistAndLoadRoundTripsMappedLUNs(t *testing.T) {
	r := NewRoot()
	target := r.EnsureTarget("iqn.2003-01.org.linux-iscsi.host:targetd")
	tpg := target.EnsureTPG(1)
	tpg.EnsurePortal("0.0.0.0")

	so := tpg.EnsureStorageObject("vg0:data1", "/dev/vg0/data1", "wwn-so")
	l := tpg.EnsureLUN(so)

	na := tpg.EnsureNodeACL("iqn.initiator:1")
	na.MappedLUNs = append(na.MappedLUNs, &MappedLUN{HostLUN: 0, TPGLUN: l})

	path := filepath.Join(t.TempDir(), "targetd.json")
	require.NoError(t, r.PersistToFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)

	loadedTarget := loaded.LookupTarget("iqn.2003-01.org.linux-iscsi.host:targetd")
	require.NotNil(t, loadedTarget)
	loadedTPG := loadedTarget.LookupTPG(1)
	require.NotNil(t, loadedTPG)
	require.Len(t, loadedTPG.NodeACLs, 1)
	require.Len(t, loadedTPG.NodeACLs[0].MappedLUNs, 1)

	mlun := loadedTPG.NodeACLs[0].MappedLUNs[0]
	require.NotNil(t, mlun.TPGLUN)
	assert.Equal(t, l.Number, mlun.TPGLUN.Number)
	assert.Equal(t, "vg0:data1", mlun.TPGLUN.StorageObject.Name)
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	r, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Empty(t, r.Targets)
}

func TestDeleteTargetRemovesIt(t *testing.T) {
	r := NewRoot()
	target := r.EnsureTarget("iqn.a")
	r.EnsureTarget("iqn.b")
	r.DeleteTarget(target)

	assert.Nil(t, r.LookupTarget("iqn.a"))
	assert.NotNil(t, r.LookupTarget("iqn.b"))
}

func TestPersistToFileIsAtomic(t *testing.T) {
	r := NewRoot()
	r.EnsureTarget("iqn.a")
	path := filepath.Join(t.TempDir(), "targetd.json")
	require.NoError(t, r.PersistToFile(path))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
