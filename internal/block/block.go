// Package block is the block storage orchestration layer: it routes pool
// operations to whichel registered backend (LVM, ZFS) owns the pool, and
// manages the LIO/iSCSI export graph (targets, TPGs, LUNs, node ACLs,
// access groups) that publishes volumes to initiators.
package block

import (
	"sort"
	"strings"

	"github.com/open-iscsi/targetd/internal/lio"
	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/toolexec"
)

// mappedLUNsOf returns every mapped LUN (from standalone node ACLs and
// access groups alike) referencing tpgLUN, mirroring rtslib's
// tpg_lun.mapped_luns property.
func mappedLUNsOf(tpg *lio.TPG, tpgLUN *lio.LUN) []*lio.MappedLUN {
	var out []*lio.MappedLUN
	for _, na := range tpg.NodeACLs {
		for _, m := range na.MappedLUNs {
			if m.TPGLUN == tpgLUN {
				out = append(out, m)
			}
		}
	}
	for _, g := range tpg.NodeACLGroups {
		for _, m := range g.MappedLUNGroups {
			if m.TPGLUN == tpgLUN {
				out = append(out, m)
			}
		}
	}
	return out
}

// VolumeInfo is a backend-neutral volume listing entry.
type VolumeInfo struct {
	Name string
	Size int64
	UUID string
}

// PoolInfo is a backend-neutral pool size/free-space summary.
type PoolInfo struct {
	Name     string
	Size     int64
	FreeSize int64
	UUID     string
}

// Backend is the capability interface every block storage driver (LVM,
// ZFS) implements, matching the reference implementation's has_pool /
// has_so_name / has_udev_path dispatch contract.
type Backend interface {
	HasPool(pool string) bool
	HasSOName(soName string) bool
	HasUdevPath(udevPath string) bool
	GetSOName(pool, volName string) string
	DevPath(pool, volName string) string
	Volumes(pool string) ([]VolumeInfo, error)
	Create(pool, name string, size int64) error
	Destroy(pool, name string) error
	Copy(pool, volOrig, volNew string, size int64) error
	Resize(pool, name string, size int64) error
	Pools() ([]PoolInfo, error)
}

// Export is one block export entry as seen by export_list.
type Export struct {
	InitiatorWWN string
	LUN          int
	VolName      string
	Pool         string
	VolUUID      string
	VolSize      int64
}

// AccessGroup is one access group summary.
type AccessGroup struct {
	Name     string
	InitIDs  []string
	InitType string
}

// AccessGroupMapping is one volume-to-access-group mapping entry.
type AccessGroupMapping struct {
	AGName   string
	HLunID   int
	PoolName string
	VolName  string
}

// Initiator is one iSCSI initiator entry.
type Initiator struct {
	InitID   string
	InitType string
}

// Orchestrator ties the configured backends to the LIO export graph for a
// single iSCSI target.
type Orchestrator struct {
	backends        []Backend
	root            *lio.Root
	targetName      string
	persistPath     string
	portalAddresses []string
}

// New returns an Orchestrator for targetName, persisting LIO state to
// persistPath and listening on portalAddresses (defaulting to "0.0.0.0"
// when empty).
func New(targetName, persistPath string, portalAddresses []string, root *lio.Root, backends ...Backend) *Orchestrator {
	return &Orchestrator{
		backends: backends, root: root, targetName: targetName,
		persistPath: persistPath, portalAddresses: portalAddresses,
	}
}

func (o *Orchestrator) save() error {
	if o.persistPath == "" {
		return nil
	}
	return o.root.PersistToFile(o.persistPath)
}

func (o *Orchestrator) backendForPool(pool string) (Backend, error) {
	for _, b := range o.backends {
		if b.HasPool(pool) {
			return b, nil
		}
	}
	return nil, rpcerr.New(rpcerr.InvalidPool, "invalid pool %q", pool)
}

func (o *Orchestrator) backendForSOName(soName string) Backend {
	for _, b := range o.backends {
		if b.HasSOName(soName) {
			return b
		}
	}
	return nil
}

func (o *Orchestrator) backendForUdevPath(udevPath string) Backend {
	for _, b := range o.backends {
		if b.HasUdevPath(udevPath) {
			return b
		}
	}
	return nil
}

// Volumes lists every volume in pool.
func (o *Orchestrator) Volumes(pool string) ([]VolumeInfo, error) {
	b, err := o.backendForPool(pool)
	if err != nil {
		return nil, err
	}
	return b.Volumes(pool)
}

// Create makes a new volume of size bytes named name in pool.
func (o *Orchestrator) Create(pool, name string, size int64) error {
	b, err := o.backendForPool(pool)
	if err != nil {
		return err
	}
	return b.Create(pool, name, size)
}

// Destroy removes volume name from pool, refusing while it is exported.
func (o *Orchestrator) Destroy(pool, name string) error {
	b, err := o.backendForPool(pool)
	if err != nil {
		return err
	}

	soName := b.GetSOName(pool, name)
	tpg := o.lookupTPG()
	if tpg != nil {
		if tpg.FindLUNBySOName(soName) != nil {
			return rpcerr.New(rpcerr.VolumeMasked,
				"volume %q cannot be removed while exported", name)
		}
	}

	return b.Destroy(pool, name)
}

// Copy creates volNew as a copy of volOrig in pool, optionally resized.
func (o *Orchestrator) Copy(pool, volOrig, volNew string, size int64) error {
	b, err := o.backendForPool(pool)
	if err != nil {
		return err
	}
	return b.Copy(pool, volOrig, volNew, size)
}

// Resize grows or shrinks volume name in pool to size bytes.
func (o *Orchestrator) Resize(pool, name string, size int64) error {
	b, err := o.backendForPool(pool)
	if err != nil {
		return err
	}
	return b.Resize(pool, name, size)
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

func (o *Orchestrator) lookupTarget() *lio.Target {
	return o.root.LookupTarget(o.targetName)
}

func (o *Orchestrator) lookupTPG() *lio.TPG {
	t := o.lookupTarget()
	if t == nil {
		return nil
	}
	return t.LookupTPG(1)
}

func (o *Orchestrator) ensureTPG() *lio.TPG {
	t := o.root.EnsureTarget(o.targetName)
	tpg := t.EnsureTPG(1)
	tpg.Enable = true
	tpg.Authentication = false
	addrs := o.portalAddresses
	if len(addrs) == 0 {
		addrs = []string{"0.0.0.0"}
	}
	for _, addr := range addrs {
		tpg.EnsurePortal(addr)
	}
	return tpg
}

// tpgLunOf returns the TPG LUN for pool/volName, creating its storage
// object and LUN entry if they don't already exist.
func (o *Orchestrator) tpgLunOf(tpg *lio.TPG, pool, volName string) (*lio.LUN, error) {
	b, err := o.backendForPool(pool)
	if err != nil {
		return nil, err
	}

	vols, err := b.Volumes(pool)
	if err != nil {
		return nil, err
	}
	var uuid string
	for _, v := range vols {
		if v.Name == volName {
			uuid = v.UUID
			break
		}
	}

	soName := b.GetSOName(pool, volName)
	so := tpg.EnsureStorageObject(soName, b.DevPath(pool, volName), uuid)
	return tpg.EnsureLUN(so), nil
}

// ExportList enumerates every volume export currently configured.
func (o *Orchestrator) ExportList() ([]Export, error) {
	tpg := o.lookupTPG()
	if tpg == nil {
		return nil, nil
	}

	var out []Export
	for _, na := range tpg.NodeACLs {
		for _, mlun := range na.MappedLUNs {
			b := o.backendForUdevPath(mlun.TPGLUN.StorageObject.DevPath)
			var uuid string
			var size int64
			if b != nil {
				pool, volName := poolAndVolFromDevPath(mlun.TPGLUN.StorageObject.DevPath)
				vols, err := b.Volumes(pool)
				if err == nil {
					for _, v := range vols {
						if v.Name == volName {
							uuid, size = v.UUID, v.Size
						}
					}
				}
			}
			pool, volName := poolAndVolFromDevPath(mlun.TPGLUN.StorageObject.DevPath)
			out = append(out, Export{
				InitiatorWWN: na.WWN,
				LUN:          mlun.HostLUN,
				VolName:      volName,
				Pool:         pool,
				VolUUID:      uuid,
				VolSize:      size,
			})
		}
	}
	return out, nil
}

func poolAndVolFromDevPath(devPath string) (pool, vol string) {
	parts := strings.Split(strings.TrimPrefix(devPath, "/dev/"), "/")
	if len(parts) < 2 {
		return "", ""
	}
	return parts[0], parts[len(parts)-1]
}

// ExportCreate publishes volName in pool to initiatorWWN at the given host
// LUN id.
func (o *Orchestrator) ExportCreate(pool, volName, initiatorWWN string, hLunID int) error {
	if _, err := o.backendForPool(pool); err != nil {
		return err
	}
	tpg := o.ensureTPG()
	na := tpg.EnsureNodeACL(initiatorWWN)

	tpgLUN, err := o.tpgLunOf(tpg, pool, volName)
	if err != nil {
		return err
	}

	na.SetMappedLUN(hLunID, tpgLUN)
	return o.save()
}

// ExportDestroy removes the export of pool/volName to initiatorWWN, and
// garbage-collects any LUN/node-ACL/TPG/target left with no remaining
// leaves.
func (o *Orchestrator) ExportDestroy(pool, volName, initiatorWWN string) error {
	if err := (func() error { _, err := o.backendForPool(pool); return err })(); err != nil {
		return err
	}

	t := o.lookupTarget()
	if t == nil {
		return rpcerr.New(rpcerr.NotFoundVolumeExport, "volume %q not found in %s exports", volName, initiatorWWN)
	}
	tpg := t.LookupTPG(1)
	if tpg == nil {
		return rpcerr.New(rpcerr.NotFoundVolumeExport, "volume %q not found in %s exports", volName, initiatorWWN)
	}
	na := tpg.LookupNodeACL(initiatorWWN)
	if na == nil {
		return rpcerr.New(rpcerr.NotFoundVolumeExport, "volume %q not found in %s exports", volName, initiatorWWN)
	}

	found := false
	for _, mlun := range na.MappedLUNs {
		mp, mv := poolAndVolFromDevPath(mlun.TPGLUN.StorageObject.DevPath)
		if mp == pool && mv == volName {
			tpgLUN := mlun.TPGLUN
			na.RemoveMappedLUNForSO(tpgLUN.StorageObject.Name)
			if len(mappedLUNsOf(tpg, tpgLUN)) == 0 {
				tpg.DeleteLUN(tpgLUN)
			}
			found = true
			break
		}
	}
	if !found {
		return rpcerr.New(rpcerr.NotFoundVolumeExport, "volume %q not found in %s exports", volName, initiatorWWN)
	}

	if len(na.MappedLUNs) == 0 {
		tpg.DeleteNodeACL(na)
		if len(tpg.NodeACLs) == 0 && len(tpg.NodeACLGroups) == 0 && len(tpg.LUNs) == 0 {
			t.DeleteTPG(tpg)
			if len(t.TPGs) == 0 {
				o.root.DeleteTarget(t)
			}
		}
	}

	return o.save()
}

// InitiatorSetAuth sets (or clears, with empty strings) CHAP credentials
// for an initiator.
func (o *Orchestrator) InitiatorSetAuth(initiatorWWN, inUser, inPass, outUser, outPass string) error {
	tpg := o.ensureTPG()
	na := tpg.EnsureNodeACL(initiatorWWN)

	if inUser == "" || inPass == "" {
		inUser, inPass = "", ""
	}
	if outUser == "" || outPass == "" {
		outUser, outPass = "", ""
	}
	na.ChapUserID = inUser
	na.ChapPassword = inPass
	na.ChapMutualUserID = outUser
	na.ChapMutualPassword = outPass

	return o.save()
}

// InitiatorList returns every known initiator, optionally excluding those
// that belong to an access group.
func (o *Orchestrator) InitiatorList(standaloneOnly bool) []Initiator {
	tpg := o.lookupTPG()
	if tpg == nil {
		return nil
	}
	var out []Initiator
	for _, na := range tpg.NodeACLs {
		if standaloneOnly && na.Tag != "" {
			continue
		}
		out = append(out, Initiator{InitID: na.WWN, InitType: "iscsi"})
	}
	if !standaloneOnly {
		for _, g := range tpg.NodeACLGroups {
			for _, wwn := range g.WWNs {
				out = append(out, Initiator{InitID: wwn, InitType: "iscsi"})
			}
		}
	}
	return out
}

// AccessGroupList lists every configured access group.
func (o *Orchestrator) AccessGroupList() []AccessGroup {
	tpg := o.lookupTPG()
	if tpg == nil {
		return nil
	}
	var out []AccessGroup
	for _, g := range tpg.NodeACLGroups {
		wwns := append([]string(nil), g.WWNs...)
		out = append(out, AccessGroup{Name: g.Name, InitIDs: wwns, InitType: "iscsi"})
	}
	return out
}

// AccessGroupCreate creates a new access group containing one initiator.
func (o *Orchestrator) AccessGroupCreate(agName, initID, initType string) error {
	if initType != "iscsi" {
		return rpcerr.New(rpcerr.NoSupport, "only support iscsi")
	}
	if err := toolexec.CheckName(agName); err != nil {
		return err
	}

	tpg := o.ensureTPG()
	if tpg.LookupNodeACLGroup(agName) != nil {
		return rpcerr.New(rpcerr.NameConflict, "requested access group name is in use")
	}
	if tpg.LookupNodeACL(initID) != nil {
		return rpcerr.New(rpcerr.ExistsInitiator, "requested init_id is in use")
	}

	g := tpg.EnsureNodeACLGroup(agName)
	g.AddACL(initID)
	return o.save()
}

// AccessGroupDestroy removes an access group.
func (o *Orchestrator) AccessGroupDestroy(agName string) error {
	tpg := o.ensureTPG()
	if g := tpg.LookupNodeACLGroup(agName); g != nil {
		tpg.DeleteNodeACLGroup(g)
	}
	return o.save()
}

// AccessGroupInitAdd adds initID to an access group's membership.
func (o *Orchestrator) AccessGroupInitAdd(agName, initID, initType string) error {
	if initType != "iscsi" {
		return rpcerr.New(rpcerr.NoSupport, "only support iscsi")
	}
	tpg := o.ensureTPG()
	g := tpg.EnsureNodeACLGroup(agName)
	if g.HasWWN(initID) {
		return nil
	}

	for _, other := range tpg.NodeACLGroups {
		if other != g && other.HasWWN(initID) {
			return rpcerr.New(rpcerr.ExistsInitiator, "requested init_id is used by other access group")
		}
	}
	if tpg.LookupNodeACL(initID) != nil {
		return rpcerr.New(rpcerr.ExistsInitiator, "requested init_id is in use")
	}

	g.AddACL(initID)
	return o.save()
}

// AccessGroupInitDel removes initID from an access group's membership.
func (o *Orchestrator) AccessGroupInitDel(agName, initID string) error {
	tpg := o.ensureTPG()
	g := tpg.EnsureNodeACLGroup(agName)
	if !g.HasWWN(initID) {
		return nil
	}
	g.RemoveACL(initID)
	return o.save()
}

// AccessGroupMapList lists every volume-to-access-group mapping.
func (o *Orchestrator) AccessGroupMapList() []AccessGroupMapping {
	tpg := o.lookupTPG()
	if tpg == nil {
		return nil
	}
	var out []AccessGroupMapping
	for _, g := range tpg.NodeACLGroups {
		for _, m := range g.MappedLUNGroups {
			pool, vol := soNameToPoolVol(o, m.TPGLUN.StorageObject.Name)
			out = append(out, AccessGroupMapping{
				AGName:   g.Name,
				HLunID:   m.HostLUN,
				PoolName: pool,
				VolName:  vol,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AGName < out[j].AGName })
	return out
}

func soNameToPoolVol(o *Orchestrator, soName string) (pool, vol string) {
	parts := strings.SplitN(soName, ":", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// AccessGroupMapCreate masks pool/volName to an access group at hLunID (or
// the next free host LUN id if hLunID is nil).
func (o *Orchestrator) AccessGroupMapCreate(poolName, volName, agName string, hLunID *int) error {
	tpg := o.ensureTPG()

	g := tpg.LookupNodeACLGroup(agName)
	if g == nil || len(g.WWNs) == 0 {
		return rpcerr.New(rpcerr.NotFoundAccessGroup, "access group not found")
	}

	tpgLUN, err := o.tpgLunOf(tpg, poolName, volName)
	if err != nil {
		return err
	}

	if len(mappedLUNsOf(tpg, tpgLUN)) > 0 {
		for _, m := range o.AccessGroupMapList() {
			if m.AGName == agName && m.PoolName == poolName && m.VolName == volName {
				return nil
			}
		}
	}

	id := 0
	if hLunID != nil {
		id = *hLunID
	} else {
		used := map[int]bool{}
		for _, m := range mappedLUNsOf(tpg, tpgLUN) {
			used[m.HostLUN] = true
		}
		found := false
		for candidate := 0; candidate <= lio.MaxLUN; candidate++ {
			if !used[candidate] {
				id = candidate
				found = true
				break
			}
		}
		if !found {
			return rpcerr.New(rpcerr.NoFreeHostLunID, "all host LUN id 0 ~ %d is in use", lio.MaxLUN)
		}
	}

	g.MappedLUNGroup(id, tpgLUN)
	return o.save()
}

// AccessGroupMapDestroy removes the masking of pool/volName from an access
// group, cleaning up the LUN entry if nothing references it anymore.
func (o *Orchestrator) AccessGroupMapDestroy(poolName, volName, agName string) error {
	tpg := o.ensureTPG()
	g := tpg.LookupNodeACLGroup(agName)
	if g == nil {
		return nil
	}
	tpgLUN, err := o.tpgLunOf(tpg, poolName, volName)
	if err != nil {
		return err
	}

	for _, m := range g.MappedLUNGroups {
		if m.TPGLUN == tpgLUN {
			g.DeleteMappedLUNGroup(tpgLUN)
			break
		}
	}

	if len(mappedLUNsOf(tpg, tpgLUN)) == 0 {
		tpg.DeleteLUN(tpgLUN)
	}

	return o.save()
}
