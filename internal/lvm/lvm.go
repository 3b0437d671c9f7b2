// Package lvm is the LVM block storage backend: it drives the lvm2
// command-line tools (vgs/lvs/lvcreate/lvremove/lvresize) to publish
// volume groups and thin pools as targetd block pools.
//
// A pool name is either a plain VG ("vg0") or "vg0/thinpool" naming a thin
// pool inside that VG. Volumes in a thin-pool-backed pool are thin LVs,
// falling back to a linear LV in the VG when the thin create fails;
// volumes in a plain VG are linear LVs.
package lvm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/toolexec"
)

// ByteSize is a size in bytes, as reported by lvm2's "--units B" output.
// The queries here pass --nosuffix, so values normally arrive without a
// unit suffix.
type ByteSize int64

// UnmarshalJSON parses a size field, stripping a trailing "B" unit suffix
// if one is present.
func (bs *ByteSize) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		*bs = 0
		return nil
	}
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*bs = ByteSize(val)
	return nil
}

// Percent is a percentage reported by "lvs --reportformat json --nosuffix"
// as a decimal string (e.g. "0.00", "12.34"), with -1 meaning "not
// available".
type Percent float64

func (p *Percent) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*p = -1
		return nil
	}
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if val < 0 {
		*p = -1
		return nil
	}
	*p = Percent(val / 100.0)
	return nil
}

// Available reports whether the percent value is meaningful.
func (p Percent) Available() bool { return p >= 0 }

// lv is one row of `lvs --reportformat json` output.
type lv struct {
	VGName         string   `json:"vg_name"`
	LVName         string   `json:"lv_name"`
	LVAttr         string   `json:"lv_attr"`
	LVSize         ByteSize `json:"lv_size"`
	LVUUID         string   `json:"lv_uuid"`
	PoolLV         string   `json:"pool_lv"`
	DataPercent    Percent  `json:"data_percent"`
	MetadataPercent Percent `json:"metadata_percent"`
}

// vg is one row of `vgs --reportformat json` output.
type vg struct {
	VGName   string   `json:"vg_name"`
	VGSize   ByteSize `json:"vg_size"`
	VGFree   ByteSize `json:"vg_free"`
	VGUUID   string   `json:"vg_uuid"`
}

type reportEnvelope struct {
	Report []struct {
		LV []lv `json:"lv"`
		VG []vg `json:"vg"`
	} `json:"report"`
}

// Volume is a block volume as the orchestration layer sees it.
type Volume struct {
	Name string
	Size ByteSize
	UUID string
}

// Backend implements the block-pool capability interface (has_pool,
// has_udev_path, has_so_name) for LVM-managed pools.
type Backend struct {
	pools       []string
	vgToPool    map[string]string
}

// New returns an LVM backend with no pools configured; call Initialize
// before use.
func New() *Backend {
	return &Backend{vgToPool: map[string]string{}}
}

// splitPool separates "vg/thinpool" into (vg, thinpool); a plain "vg" name
// yields ("vg", "").
func splitPool(pool string) (vgName, thinPool string) {
	if i := strings.IndexByte(pool, '/'); i >= 0 {
		return pool[:i], pool[i+1:]
	}
	return pool, ""
}

// Initialize validates that every configured pool resolves to a real VG (or
// thin LV inside one), and rejects the combination of a VG and one of its
// own thin pools both being configured (ambiguous free-space accounting).
func (b *Backend) Initialize(pools []string) error {
	for _, pool := range pools {
		vgName, thinPool := splitPool(pool)

		if thinPool != "" {
			lvs, err := queryLVs(vgName, thinPool)
			if err != nil || len(lvs) == 0 {
				return rpcerr.New(rpcerr.NotFoundVolumeGroup,
					"VG with thin LV %s not found: %v", pool, err)
			}
		} else {
			if _, err := queryVG(vgName); err != nil {
				return rpcerr.New(rpcerr.NotFoundVolumeGroup,
					"VG pool %s not found: %v", vgName, err)
			}
		}

		if thinPool != "" {
			for _, other := range pools {
				if other == vgName {
					return rpcerr.New(rpcerr.Invalid,
						"VG pool and thin pool from same VG not supported")
				}
			}
		}
	}

	b.pools = pools
	b.vgToPool = map[string]string{}
	for _, pool := range pools {
		vgName, _ := splitPool(pool)
		b.vgToPool[vgName] = pool
	}
	return nil
}

// HasPool reports whether pool is managed by this backend.
func (b *Backend) HasPool(pool string) bool {
	vgName, _ := splitPool(pool)
	for _, p := range b.pools {
		pvg, _ := splitPool(p)
		if pvg == vgName {
			return true
		}
	}
	return false
}

// GetSOName returns the LIO storage object name for a volume in pool: the
// plain "vgname:volname" contract every block.py client expects.
func (b *Backend) GetSOName(pool, volName string) string {
	vgName, _ := splitPool(pool)
	return fmt.Sprintf("%s:%s", vgName, volName)
}

// HasSOName reports whether this backend owns the pool named in a
// "vgname:volname" storage object name.
func (b *Backend) HasSOName(soName string) bool {
	parts := strings.SplitN(soName, ":", 2)
	if len(parts) != 2 {
		return false
	}
	_, ok := b.vgToPool[parts[0]]
	return ok
}

// DevPath returns the block device path backing a volume.
func (b *Backend) DevPath(pool, volName string) string {
	vgName, _ := splitPool(pool)
	return fmt.Sprintf("/dev/%s/%s", vgName, volName)
}

// HasUdevPath reports whether a mapped-lun udev path like
// "/dev/vgname/volname" belongs to a pool this backend manages.
func (b *Backend) HasUdevPath(udevPath string) bool {
	parts := strings.Split(strings.TrimPrefix(udevPath, "/"), "/")
	if len(parts) < 2 {
		return false
	}
	_, ok := b.vgToPool[parts[1]]
	return ok
}

func queryLVs(vgName, poolLV string) ([]lv, error) {
	args := []string{"lvs", "--units", "B", "--reportformat", "json",
		"--nosuffix", "-o", "vg_name,lv_name,lv_attr,lv_size,lv_uuid,pool_lv,data_percent,metadata_percent"}
	if poolLV != "" {
		args = append(args, "--select", fmt.Sprintf("vg_name=%s&&pool_lv=%s", vgName, poolLV))
	} else {
		args = append(args, vgName)
	}
	res, err := toolexec.Invoke(true, withSbin(args)...)
	if err != nil {
		return nil, err
	}
	var env reportEnvelope
	if err := json.Unmarshal([]byte(res.Stdout), &env); err != nil {
		return nil, rpcerr.New(rpcerr.Invalid, "parsing lvs output: %v", err)
	}
	if len(env.Report) == 0 {
		return nil, nil
	}
	return env.Report[0].LV, nil
}

func queryVG(vgName string) (*vg, error) {
	args := withSbin([]string{"vgs", "--units", "B", "--nosuffix", "--reportformat", "json", vgName})
	res, err := toolexec.Invoke(true, args...)
	if err != nil {
		return nil, err
	}
	var env reportEnvelope
	if err := json.Unmarshal([]byte(res.Stdout), &env); err != nil {
		return nil, rpcerr.New(rpcerr.Invalid, "parsing vgs output: %v", err)
	}
	if len(env.Report) == 0 || len(env.Report[0].VG) == 0 {
		return nil, rpcerr.New(rpcerr.NotFoundVolumeGroup, "VG %s not found", vgName)
	}
	return &env.Report[0].VG[0], nil
}

func withSbin(args []string) []string {
	return append([]string{"/usr/sbin/" + args[0]}, args[1:]...)
}

// Volumes lists the volumes visible in pool: every plain LV for a VG pool,
// or every thin LV whose pool_lv matches for a thin-pool pool.
func (b *Backend) Volumes(pool string) ([]Volume, error) {
	vgName, thinPool := splitPool(pool)
	lvs, err := queryLVs(vgName, "")
	if err != nil {
		return nil, err
	}

	var out []Volume
	for _, l := range lvs {
		if thinPool == "" {
			if len(l.LVAttr) > 0 && l.LVAttr[0] == '-' {
				out = append(out, Volume{Name: l.LVName, Size: l.LVSize, UUID: l.LVUUID})
			}
		} else {
			if len(l.LVAttr) > 0 && l.LVAttr[0] == 'V' && l.PoolLV == thinPool {
				out = append(out, Volume{Name: l.LVName, Size: l.LVSize, UUID: l.LVUUID})
			}
		}
	}
	return out, nil
}

func (b *Backend) findVolume(pool, name string) (*Volume, error) {
	vols, err := b.Volumes(pool)
	if err != nil {
		return nil, err
	}
	for _, v := range vols {
		if v.Name == name {
			return &v, nil
		}
	}
	return nil, nil
}

// Create makes a new volume of size bytes in pool, named name. Thin pools
// attempt a thin LV first and fall back to a linear LV, matching the
// reference backend's tolerance for thin-pool exhaustion.
func (b *Backend) Create(pool, name string, size int64) error {
	existing, err := b.findVolume(pool, name)
	if err != nil {
		return err
	}
	if existing != nil {
		return rpcerr.New(rpcerr.NameConflict, "volume with that name exists")
	}

	vgName, thinPool := splitPool(pool)
	sizeArg := strconv.FormatInt(size, 10) + "B"

	if thinPool != "" {
		_, err := toolexec.Invoke(true, "/usr/sbin/lvcreate",
			"-V", sizeArg, "-T", fmt.Sprintf("%s/%s", vgName, thinPool), "-n", name)
		if err == nil {
			return nil
		}
	}
	_, err = toolexec.Invoke(true, "/usr/sbin/lvcreate",
		"-L", sizeArg, "-n", name, vgName)
	return err
}

// Destroy removes a volume from pool.
func (b *Backend) Destroy(pool, name string) error {
	vgName, _ := splitPool(pool)
	_, err := toolexec.Invoke(true, "/usr/sbin/lvremove", "-f",
		fmt.Sprintf("%s/%s", vgName, name))
	return err
}

// Copy creates volNew as a thin snapshot/clone of volOrig, optionally
// resized to size bytes. Only available for thin-pool pools.
func (b *Backend) Copy(pool, volOrig, volNew string, size int64) error {
	existing, err := b.findVolume(pool, volNew)
	if err != nil {
		return err
	}
	if existing != nil {
		return rpcerr.New(rpcerr.NameConflict, "volume with that name exists")
	}

	vgName, thinPool := splitPool(pool)
	if thinPool == "" {
		return rpcerr.New(rpcerr.NoSupport, "copy requires thin-provisioned volumes")
	}

	if _, err := toolexec.Invoke(true, "/usr/sbin/lvcreate",
		"-s", "-n", volNew, fmt.Sprintf("%s/%s", vgName, volOrig)); err != nil {
		return rpcerr.New(rpcerr.UnexpectedExitCode, "failed to copy volume: %v", err)
	}

	if size > 0 {
		sizeArg := strconv.FormatInt(size, 10) + "B"
		if _, err := toolexec.Invoke(true, "/usr/sbin/lvresize", "-L", sizeArg,
			fmt.Sprintf("%s/%s", vgName, volNew)); err != nil {
			return rpcerr.New(rpcerr.UnexpectedExitCode, "failed to resize volume: %v", err)
		}
	}
	return nil
}

// Resize grows or shrinks a volume to size bytes.
func (b *Backend) Resize(pool, name string, size int64) error {
	vgName, _ := splitPool(pool)
	sizeArg := strconv.FormatInt(size, 10) + "B"
	_, err := toolexec.Invoke(true, "/usr/sbin/lvresize", "-L", sizeArg,
		fmt.Sprintf("%s/%s", vgName, name))
	return err
}

// PoolInfo is the free/used space summary for a pool.
type PoolInfo struct {
	Name     string
	Size     int64
	FreeSize int64
	UUID     string
}

// Pools reports size and free space for every configured pool. Thin pools
// estimate free bytes from data_percent/metadata_percent, since lvm2 only
// reports a used percentage for them.
func (b *Backend) Pools() ([]PoolInfo, error) {
	var out []PoolInfo
	for _, pool := range b.pools {
		vgName, thinPool := splitPool(pool)
		if thinPool == "" {
			v, err := queryVG(vgName)
			if err != nil {
				return nil, err
			}
			out = append(out, PoolInfo{Name: pool, Size: int64(v.VGSize), FreeSize: int64(v.VGFree), UUID: v.VGUUID})
			continue
		}

		lvs, err := queryLVs(vgName, "")
		if err != nil {
			return nil, err
		}
		var thinp *lv
		for i := range lvs {
			if lvs[i].LVName == thinPool {
				thinp = &lvs[i]
				break
			}
		}
		if thinp == nil {
			return nil, rpcerr.New(rpcerr.NotFoundVolumeGroup, "thin pool %s not found", pool)
		}

		free := int64(thinp.LVSize)
		if thinp.DataPercent.Available() && thinp.MetadataPercent.Available() {
			used := float64(thinp.DataPercent) + float64(thinp.MetadataPercent)
			fs := int64(float64(thinp.LVSize) * (1 - used))
			if fs >= 0 && fs < free {
				free = fs
			}
		}
		out = append(out, PoolInfo{Name: pool, Size: int64(thinp.LVSize), FreeSize: free, UUID: thinp.LVUUID})
	}
	return out, nil
}
