// Package lio is a façade over the kernel LIO target configuration store
// (the rtslib-fb object model: fabric module, target, TPG, network portal,
// storage object, LUN, node ACL, node ACL group, mapped LUN). It is an
// in-memory mirror of that configfs tree with a PersistToFile hook, not a
// binding to the kernel target itself: mutating configfs is the deployment's
// job, this package is the contract targetd needs from it.
package lio

import (
	"encoding/json"
	"os"
	"sync"
)

// MaxLUN bounds host-visible LUN ids: [0, MaxLUN].
const MaxLUN = 256

// StorageObject is the LIO-side handle for a block device: name, backing
// device path and WWN (derived from the volume's uuid so initiators see a
// stable vpd83 identifier across exports).
type StorageObject struct {
	Name     string `json:"name"`
	DevPath  string `json:"dev_path"`
	WWN      string `json:"wwn"`
	EmulateModelAlias bool `json:"emulate_model_alias"`
}

// LUN is a numbered entry in a TPG's LUN list, referencing one storage
// object.
type LUN struct {
	Number        int              `json:"number"`
	StorageObject *StorageObject   `json:"storage_object"`
}

// MappedLUN binds a host-visible LUN id to a TPG LUN, for either a NodeACL
// or a NodeACLGroup.
type MappedLUN struct {
	HostLUN int  `json:"host_lun"`
	TPGLUN  *LUN `json:"-"`
	TPGLUNNumber int `json:"tpg_lun_number"`
}

// NodeACL represents a single iSCSI initiator (by IQN/wwn) attached to a
// TPG, with optional CHAP credentials. Tag is persisted but nothing in this
// package sets it: access-group members are recorded as wwns in
// NodeACLGroup.WWNs, not as NodeACLs, and share the group's
// mapped-lun-groups.
type NodeACL struct {
	WWN                string       `json:"wwn"`
	ChapUserID         string       `json:"chap_userid"`
	ChapPassword       string       `json:"chap_password"`
	ChapMutualUserID   string       `json:"chap_mutual_userid"`
	ChapMutualPassword string       `json:"chap_mutual_password"`
	Tag                string       `json:"tag,omitempty"`
	MappedLUNs         []*MappedLUN `json:"mapped_luns"`
}

// NodeACLGroup is a named access group: a set of initiator wwns sharing
// mapped-lun-group bindings.
type NodeACLGroup struct {
	Name            string       `json:"name"`
	WWNs            []string     `json:"wwns"`
	MappedLUNGroups []*MappedLUN `json:"mapped_lun_groups"`
}

// NetworkPortal is one listening address on a TPG.
type NetworkPortal struct {
	Address string `json:"address"`
}

// TPG is a target portal group: the iSCSI target's portal namespace, its
// LUNs, its portals and its node ACLs / access groups.
type TPG struct {
	Tag            int              `json:"tag"`
	Enable         bool             `json:"enable"`
	Authentication bool             `json:"authentication"`
	Portals        []*NetworkPortal `json:"portals"`
	LUNs           []*LUN           `json:"luns"`
	NodeACLs       []*NodeACL       `json:"node_acls"`
	NodeACLGroups  []*NodeACLGroup  `json:"node_acl_groups"`
	nextLUN        int
}

// Target is an iSCSI target, identified by IQN, holding one or more TPGs.
// targetd only ever uses TPG tag 1.
type Target struct {
	IQN  string `json:"iqn"`
	TPGs []*TPG `json:"tpgs"`
}

// Root is the whole configfs tree: the set of iSCSI targets under the
// 'iscsi' fabric module.
type Root struct {
	mu      sync.Mutex
	Targets []*Target `json:"targets"`
}

// NewRoot returns an empty configuration tree.
func NewRoot() *Root {
	return &Root{}
}

// LoadFile populates the tree from a previously persisted JSON snapshot. A
// missing file is not an error: it means no prior configuration exists.
func LoadFile(path string) (*Root, error) {
	r := NewRoot()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	r.relink()
	return r, nil
}

// relink restores the TPGLUN pointers and nextLUN counters dropped by
// JSON round-tripping.
func (r *Root) relink() {
	for _, t := range r.Targets {
		for _, tpg := range t.TPGs {
			byNumber := make(map[int]*LUN, len(tpg.LUNs))
			for _, l := range tpg.LUNs {
				byNumber[l.Number] = l
				if l.Number >= tpg.nextLUN {
					tpg.nextLUN = l.Number + 1
				}
			}
			relinkMapped := func(mluns []*MappedLUN) {
				for _, m := range mluns {
					m.TPGLUN = byNumber[m.TPGLUNNumber]
				}
			}
			for _, na := range tpg.NodeACLs {
				relinkMapped(na.MappedLUNs)
			}
			for _, nag := range tpg.NodeACLGroups {
				relinkMapped(nag.MappedLUNGroups)
			}
		}
	}
}

// PersistToFile writes the current tree to path as JSON, atomically via a
// temp-file-then-rename so a crash mid-write never corrupts prior state.
func (r *Root) PersistToFile(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.Targets {
		for _, tpg := range t.TPGs {
			stamp := func(mluns []*MappedLUN) {
				for _, m := range mluns {
					if m.TPGLUN != nil {
						m.TPGLUNNumber = m.TPGLUN.Number
					}
				}
			}
			for _, na := range tpg.NodeACLs {
				stamp(na.MappedLUNs)
			}
			for _, nag := range tpg.NodeACLGroups {
				stamp(nag.MappedLUNGroups)
			}
		}
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// EnsureTarget looks up a target by IQN, creating it if absent.
func (r *Root) EnsureTarget(iqn string) *Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.Targets {
		if t.IQN == iqn {
			return t
		}
	}
	t := &Target{IQN: iqn}
	r.Targets = append(r.Targets, t)
	return t
}

// LookupTarget returns the target by IQN, or nil if it does not exist. Used
// by read paths (export_list, destroy) that must not create state.
func (r *Root) LookupTarget(iqn string) *Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.Targets {
		if t.IQN == iqn {
			return t
		}
	}
	return nil
}

// DeleteTarget removes a target from the tree.
func (r *Root) DeleteTarget(t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.Targets {
		if x == t {
			r.Targets = append(r.Targets[:i], r.Targets[i+1:]...)
			return
		}
	}
}

// EnsureTPG returns the TPG with the given tag, creating it if absent.
func (t *Target) EnsureTPG(tag int) *TPG {
	for _, tpg := range t.TPGs {
		if tpg.Tag == tag {
			return tpg
		}
	}
	tpg := &TPG{Tag: tag, nextLUN: 0}
	t.TPGs = append(t.TPGs, tpg)
	return tpg
}

// LookupTPG returns the TPG with the given tag, or nil.
func (t *Target) LookupTPG(tag int) *TPG {
	for _, tpg := range t.TPGs {
		if tpg.Tag == tag {
			return tpg
		}
	}
	return nil
}

// DeleteTPG removes a TPG from its target.
func (t *Target) DeleteTPG(tpg *TPG) {
	for i, x := range t.TPGs {
		if x == tpg {
			t.TPGs = append(t.TPGs[:i], t.TPGs[i+1:]...)
			return
		}
	}
}

// EnsurePortal adds a network portal for addr if one isn't already present.
func (tpg *TPG) EnsurePortal(addr string) *NetworkPortal {
	for _, p := range tpg.Portals {
		if p.Address == addr {
			return p
		}
	}
	p := &NetworkPortal{Address: addr}
	tpg.Portals = append(tpg.Portals, p)
	return p
}

// EnsureStorageObject returns the storage object named soName, creating it
// (stamped with devPath and wwn) if absent. An existing object is reused
// as-is, matching rtslib's "only add new SO if it doesn't exist" rule.
func (tpg *TPG) EnsureStorageObject(soName, devPath, wwn string) *StorageObject {
	if so := tpg.findStorageObject(soName); so != nil {
		return so
	}
	so := &StorageObject{Name: soName, DevPath: devPath, WWN: wwn, EmulateModelAlias: true}
	// Storage objects live inside the LUN that references them; a bare
	// EnsureStorageObject with no LUN yet is only ever followed by
	// EnsureLUN, which attaches it.
	return so
}

func (tpg *TPG) findStorageObject(soName string) *StorageObject {
	for _, l := range tpg.LUNs {
		if l.StorageObject.Name == soName {
			return l.StorageObject
		}
	}
	return nil
}

// EnsureLUN returns the LUN referencing so, creating one with the next free
// LUN number if none exists yet.
func (tpg *TPG) EnsureLUN(so *StorageObject) *LUN {
	for _, l := range tpg.LUNs {
		if l.StorageObject.Name == so.Name {
			return l
		}
	}
	l := &LUN{Number: tpg.nextLUN, StorageObject: so}
	tpg.nextLUN++
	tpg.LUNs = append(tpg.LUNs, l)
	return l
}

// DeleteLUN removes a LUN (and implicitly its storage object, which has no
// independent existence once unreferenced) from the TPG.
func (tpg *TPG) DeleteLUN(l *LUN) {
	for i, x := range tpg.LUNs {
		if x == l {
			tpg.LUNs = append(tpg.LUNs[:i], tpg.LUNs[i+1:]...)
			return
		}
	}
}

// FindLUNBySOName returns the TPG LUN referencing the named storage object,
// or nil.
func (tpg *TPG) FindLUNBySOName(soName string) *LUN {
	for _, l := range tpg.LUNs {
		if l.StorageObject.Name == soName {
			return l
		}
	}
	return nil
}

// EnsureNodeACL returns the NodeACL for wwn, creating it if absent.
func (tpg *TPG) EnsureNodeACL(wwn string) *NodeACL {
	for _, na := range tpg.NodeACLs {
		if na.WWN == wwn {
			return na
		}
	}
	na := &NodeACL{WWN: wwn}
	tpg.NodeACLs = append(tpg.NodeACLs, na)
	return na
}

// LookupNodeACL returns the NodeACL for wwn, or nil.
func (tpg *TPG) LookupNodeACL(wwn string) *NodeACL {
	for _, na := range tpg.NodeACLs {
		if na.WWN == wwn {
			return na
		}
	}
	return nil
}

// DeleteNodeACL removes a NodeACL from its TPG.
func (tpg *TPG) DeleteNodeACL(na *NodeACL) {
	for i, x := range tpg.NodeACLs {
		if x == na {
			tpg.NodeACLs = append(tpg.NodeACLs[:i], tpg.NodeACLs[i+1:]...)
			return
		}
	}
}

// AllInitiatorWWNs returns every initiator wwn known to the TPG, whether it
// belongs to a standalone NodeACL or a NodeACLGroup.
func (tpg *TPG) AllInitiatorWWNs() []string {
	var out []string
	for _, na := range tpg.NodeACLs {
		out = append(out, na.WWN)
	}
	for _, g := range tpg.NodeACLGroups {
		out = append(out, g.WWNs...)
	}
	return out
}

// LookupNodeACLGroup returns the access group named name, or nil.
func (tpg *TPG) LookupNodeACLGroup(name string) *NodeACLGroup {
	for _, g := range tpg.NodeACLGroups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// EnsureNodeACLGroup returns the access group named name, creating an empty
// one if absent.
func (tpg *TPG) EnsureNodeACLGroup(name string) *NodeACLGroup {
	if g := tpg.LookupNodeACLGroup(name); g != nil {
		return g
	}
	g := &NodeACLGroup{Name: name}
	tpg.NodeACLGroups = append(tpg.NodeACLGroups, g)
	return g
}

// DeleteNodeACLGroup removes an access group from its TPG.
func (tpg *TPG) DeleteNodeACLGroup(g *NodeACLGroup) {
	for i, x := range tpg.NodeACLGroups {
		if x == g {
			tpg.NodeACLGroups = append(tpg.NodeACLGroups[:i], tpg.NodeACLGroups[i+1:]...)
			return
		}
	}
}

// AddACL adds wwn to the group's membership if not already present.
func (g *NodeACLGroup) AddACL(wwn string) {
	for _, w := range g.WWNs {
		if w == wwn {
			return
		}
	}
	g.WWNs = append(g.WWNs, wwn)
}

// RemoveACL removes wwn from the group's membership, if present.
func (g *NodeACLGroup) RemoveACL(wwn string) {
	for i, w := range g.WWNs {
		if w == wwn {
			g.WWNs = append(g.WWNs[:i], g.WWNs[i+1:]...)
			return
		}
	}
}

// HasWWN reports whether wwn is a member of the group.
func (g *NodeACLGroup) HasWWN(wwn string) bool {
	for _, w := range g.WWNs {
		if w == wwn {
			return true
		}
	}
	return false
}

// SetMappedLUN adds a mapped LUN for hostLUN -> tpgLUN if one doesn't
// already exist for this NodeACL.
func (na *NodeACL) SetMappedLUN(hostLUN int, tpgLUN *LUN) *MappedLUN {
	for _, m := range na.MappedLUNs {
		if m.HostLUN == hostLUN && m.TPGLUN == tpgLUN {
			return m
		}
	}
	m := &MappedLUN{HostLUN: hostLUN, TPGLUN: tpgLUN}
	na.MappedLUNs = append(na.MappedLUNs, m)
	return m
}

// RemoveMappedLUNForSO removes and returns the mapped LUN (if any) on na
// that references a TPG LUN whose storage object is named soName.
func (na *NodeACL) RemoveMappedLUNForSO(soName string) *MappedLUN {
	for i, m := range na.MappedLUNs {
		if m.TPGLUN.StorageObject.Name == soName {
			na.MappedLUNs = append(na.MappedLUNs[:i], na.MappedLUNs[i+1:]...)
			return m
		}
	}
	return nil
}

// MappedLUNGroup returns (creating if absent) the mapped-lun-group entry for
// hostLUN -> tpgLUN on this access group.
func (g *NodeACLGroup) MappedLUNGroup(hostLUN int, tpgLUN *LUN) *MappedLUN {
	for _, m := range g.MappedLUNGroups {
		if m.TPGLUN == tpgLUN {
			return m
		}
	}
	m := &MappedLUN{HostLUN: hostLUN, TPGLUN: tpgLUN}
	g.MappedLUNGroups = append(g.MappedLUNGroups, m)
	return m
}

// DeleteMappedLUNGroup removes the mapped-lun-group entry referencing
// tpgLUN, if any.
func (g *NodeACLGroup) DeleteMappedLUNGroup(tpgLUN *LUN) {
	for i, m := range g.MappedLUNGroups {
		if m.TPGLUN == tpgLUN {
			g.MappedLUNGroups = append(g.MappedLUNGroups[:i], g.MappedLUNGroups[i+1:]...)
			return
		}
	}
}
