package rpcserver

import (
	"encoding/json"
	"strings"

	"github.com/open-iscsi/targetd/internal/nfsexport"
	"github.com/open-iscsi/targetd/internal/rpcerr"
)

// handlerFunc is one dispatch table entry: decode params, run the
// orchestration call, return a value that marshals straight into the
// JSON-RPC "result" field.
type handlerFunc func(params json.RawMessage) (interface{}, error)

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return rpcerr.New(rpcerr.InvalidArgument, "invalid method argument(s): %v", err)
	}
	return nil
}

func (s *Service) buildDispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"pool_list": s.poolList,

		"vol_list":    s.volList,
		"vol_create":  s.volCreate,
		"vol_destroy": s.volDestroy,
		"vol_copy":    s.volCopy,
		"vol_resize":  s.volResize,

		"export_list":    s.exportList,
		"export_create":  s.exportCreate,
		"export_destroy": s.exportDestroy,

		"initiator_set_auth": s.initiatorSetAuth,
		"initiator_list":     s.initiatorList,

		"access_group_list":        s.accessGroupList,
		"access_group_create":      s.accessGroupCreate,
		"access_group_destroy":     s.accessGroupDestroy,
		"access_group_init_add":    s.accessGroupInitAdd,
		"access_group_init_del":    s.accessGroupInitDel,
		"access_group_map_list":    s.accessGroupMapList,
		"access_group_map_create":  s.accessGroupMapCreate,
		"access_group_map_destroy": s.accessGroupMapDestroy,

		"fs_list":            s.fsList,
		"fs_create":          s.fsCreate,
		"fs_destroy":         s.fsDestroy,
		"fs_clone":           s.fsClone,
		"ss_list":            s.ssList,
		"fs_snapshot":        s.fsSnapshot,
		"fs_snapshot_delete": s.fsSnapshotDelete,

		"nfs_export_auth_list": s.nfsExportAuthList,
		"nfs_export_list":      s.nfsExportList,
		"nfs_export_add":       s.nfsExportAdd,
		"nfs_export_remove":    s.nfsExportRemove,
	}
}

// --- pool ---

type poolResult struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	FreeSize int64  `json:"free_size"`
	Type     string `json:"type"`
	UUID     string `json:"uuid,omitempty"`
}

func (s *Service) poolList(params json.RawMessage) (interface{}, error) {
	out := []poolResult{}

	blockPools, err := s.block.Pools()
	if err != nil {
		return nil, err
	}
	for _, p := range blockPools {
		out = append(out, poolResult{Name: p.Name, Size: p.Size, FreeSize: p.FreeSize, Type: "block", UUID: p.UUID})
	}

	fsPools, err := s.fs.Pools()
	if err != nil {
		return nil, err
	}
	for _, p := range fsPools {
		out = append(out, poolResult{Name: p.Name, Size: p.Size, FreeSize: p.FreeSize, Type: "fs"})
	}

	return out, nil
}

// --- block volumes ---

type volResult struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	UUID string `json:"uuid"`
}

type poolParams struct {
	Pool string `json:"pool"`
}

func (s *Service) volList(params json.RawMessage) (interface{}, error) {
	var p poolParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	vols, err := s.block.Volumes(p.Pool)
	if err != nil {
		return nil, err
	}
	out := make([]volResult, 0, len(vols))
	for _, v := range vols {
		out = append(out, volResult{Name: v.Name, Size: v.Size, UUID: v.UUID})
	}
	return out, nil
}

type volCreateParams struct {
	Pool string `json:"pool"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (s *Service) volCreate(params json.RawMessage) (interface{}, error) {
	var p volCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.Create(p.Pool, p.Name, p.Size)
}

type volDestroyParams struct {
	Pool string `json:"pool"`
	Name string `json:"name"`
}

func (s *Service) volDestroy(params json.RawMessage) (interface{}, error) {
	var p volDestroyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.Destroy(p.Pool, p.Name)
}

type volCopyParams struct {
	Pool    string `json:"pool"`
	VolOrig string `json:"vol_orig"`
	VolNew  string `json:"vol_new"`
	Size    int64  `json:"size"`
}

func (s *Service) volCopy(params json.RawMessage) (interface{}, error) {
	var p volCopyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.Copy(p.Pool, p.VolOrig, p.VolNew, p.Size)
}

type volResizeParams struct {
	Pool string `json:"pool"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (s *Service) volResize(params json.RawMessage) (interface{}, error) {
	var p volResizeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.Resize(p.Pool, p.Name, p.Size)
}

// --- exports ---

type exportResult struct {
	InitiatorWWN string `json:"initiator_wwn"`
	LUN          int    `json:"lun"`
	VolName      string `json:"vol_name"`
	Pool         string `json:"pool"`
	VolUUID      string `json:"vol_uuid"`
	VolSize      int64  `json:"vol_size"`
}

func (s *Service) exportList(params json.RawMessage) (interface{}, error) {
	exports, err := s.block.ExportList()
	if err != nil {
		return nil, err
	}
	out := make([]exportResult, 0, len(exports))
	for _, e := range exports {
		out = append(out, exportResult{
			InitiatorWWN: e.InitiatorWWN, LUN: e.LUN, VolName: e.VolName,
			Pool: e.Pool, VolUUID: e.VolUUID, VolSize: e.VolSize,
		})
	}
	return out, nil
}

type exportCreateParams struct {
	Pool         string `json:"pool"`
	Vol          string `json:"vol"`
	InitiatorWWN string `json:"initiator_wwn"`
	LUN          int    `json:"lun"`
}

func (s *Service) exportCreate(params json.RawMessage) (interface{}, error) {
	var p exportCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.ExportCreate(p.Pool, p.Vol, p.InitiatorWWN, p.LUN)
}

type exportDestroyParams struct {
	Pool         string `json:"pool"`
	Vol          string `json:"vol"`
	InitiatorWWN string `json:"initiator_wwn"`
}

func (s *Service) exportDestroy(params json.RawMessage) (interface{}, error) {
	var p exportDestroyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.ExportDestroy(p.Pool, p.Vol, p.InitiatorWWN)
}

// --- initiators ---

type initiatorSetAuthParams struct {
	InitiatorWWN string `json:"initiator_wwn"`
	InUser       string `json:"in_user"`
	InPass       string `json:"in_pass"`
	OutUser      string `json:"out_user"`
	OutPass      string `json:"out_pass"`
}

func (s *Service) initiatorSetAuth(params json.RawMessage) (interface{}, error) {
	var p initiatorSetAuthParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.InitiatorSetAuth(p.InitiatorWWN, p.InUser, p.InPass, p.OutUser, p.OutPass)
}

type initiatorResult struct {
	InitID   string `json:"init_id"`
	InitType string `json:"init_type"`
}

type initiatorListParams struct {
	StandaloneOnly bool `json:"standalone_only"`
}

func (s *Service) initiatorList(params json.RawMessage) (interface{}, error) {
	var p initiatorListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	inits := s.block.InitiatorList(p.StandaloneOnly)
	out := make([]initiatorResult, 0, len(inits))
	for _, i := range inits {
		out = append(out, initiatorResult{InitID: i.InitID, InitType: i.InitType})
	}
	return out, nil
}

// --- access groups ---

type accessGroupResult struct {
	Name     string   `json:"name"`
	InitIDs  []string `json:"init_ids"`
	InitType string   `json:"init_type"`
}

func (s *Service) accessGroupList(params json.RawMessage) (interface{}, error) {
	groups := s.block.AccessGroupList()
	out := make([]accessGroupResult, 0, len(groups))
	for _, g := range groups {
		out = append(out, accessGroupResult{Name: g.Name, InitIDs: g.InitIDs, InitType: g.InitType})
	}
	return out, nil
}

type accessGroupCreateParams struct {
	AGName   string `json:"ag_name"`
	InitID   string `json:"init_id"`
	InitType string `json:"init_type"`
}

func (s *Service) accessGroupCreate(params json.RawMessage) (interface{}, error) {
	var p accessGroupCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.AccessGroupCreate(p.AGName, p.InitID, p.InitType)
}

type accessGroupDestroyParams struct {
	AGName string `json:"ag_name"`
}

func (s *Service) accessGroupDestroy(params json.RawMessage) (interface{}, error) {
	var p accessGroupDestroyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.AccessGroupDestroy(p.AGName)
}

type accessGroupInitParams struct {
	AGName   string `json:"ag_name"`
	InitID   string `json:"init_id"`
	InitType string `json:"init_type"`
}

func (s *Service) accessGroupInitAdd(params json.RawMessage) (interface{}, error) {
	var p accessGroupInitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.AccessGroupInitAdd(p.AGName, p.InitID, p.InitType)
}

func (s *Service) accessGroupInitDel(params json.RawMessage) (interface{}, error) {
	var p accessGroupInitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.AccessGroupInitDel(p.AGName, p.InitID)
}

type accessGroupMapResult struct {
	AGName   string `json:"ag_name"`
	HLunID   int    `json:"h_lun_id"`
	PoolName string `json:"pool_name"`
	VolName  string `json:"vol_name"`
}

func (s *Service) accessGroupMapList(params json.RawMessage) (interface{}, error) {
	maps := s.block.AccessGroupMapList()
	out := make([]accessGroupMapResult, 0, len(maps))
	for _, m := range maps {
		out = append(out, accessGroupMapResult{AGName: m.AGName, HLunID: m.HLunID, PoolName: m.PoolName, VolName: m.VolName})
	}
	return out, nil
}

type accessGroupMapCreateParams struct {
	PoolName string `json:"pool_name"`
	VolName  string `json:"vol_name"`
	AGName   string `json:"ag_name"`
	HLunID   *int   `json:"h_lun_id"`
}

func (s *Service) accessGroupMapCreate(params json.RawMessage) (interface{}, error) {
	var p accessGroupMapCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.AccessGroupMapCreate(p.PoolName, p.VolName, p.AGName, p.HLunID)
}

type accessGroupMapDestroyParams struct {
	PoolName string `json:"pool_name"`
	VolName  string `json:"vol_name"`
	AGName   string `json:"ag_name"`
}

func (s *Service) accessGroupMapDestroy(params json.RawMessage) (interface{}, error) {
	var p accessGroupMapDestroyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.block.AccessGroupMapDestroy(p.PoolName, p.VolName, p.AGName)
}

// --- filesystems ---

type fsResult struct {
	Name       string `json:"name"`
	UUID       string `json:"uuid"`
	TotalSpace int64  `json:"total_space"`
	FreeSpace  int64  `json:"free_space"`
	Pool       string `json:"pool"`
	FullPath   string `json:"full_path"`
}

func (s *Service) fsList(params json.RawMessage) (interface{}, error) {
	entries, err := s.fs.FSList()
	if err != nil {
		return nil, err
	}
	out := make([]fsResult, 0, len(entries))
	for _, e := range entries {
		out = append(out, fsResult{
			Name: e.Name, UUID: e.UUID, TotalSpace: e.TotalSpace,
			FreeSpace: e.FreeSpace, Pool: e.Pool, FullPath: e.FullPath,
		})
	}
	return out, nil
}

type fsCreateParams struct {
	PoolName  string `json:"pool_name"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

func (s *Service) fsCreate(params json.RawMessage) (interface{}, error) {
	var p fsCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.fs.FSCreate(p.PoolName, p.Name, p.SizeBytes)
}

type fsDestroyParams struct {
	UUID string `json:"uuid"`
}

func (s *Service) fsDestroy(params json.RawMessage) (interface{}, error) {
	var p fsDestroyParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.fs.FSDestroy(p.UUID)
}

type fsCloneParams struct {
	FSUUID     string `json:"fs_uuid"`
	DestFSName string `json:"dest_fs_name"`
	SnapshotID string `json:"snapshot_id"`
}

func (s *Service) fsClone(params json.RawMessage) (interface{}, error) {
	var p fsCloneParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.fs.FSClone(p.FSUUID, p.DestFSName, p.SnapshotID)
}

type ssResult struct {
	Name      string `json:"name"`
	UUID      string `json:"uuid"`
	Timestamp int64  `json:"timestamp"`
}

type ssListParams struct {
	FSUUID string `json:"fs_uuid"`
}

func (s *Service) ssList(params json.RawMessage) (interface{}, error) {
	var p ssListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	snaps, err := s.fs.SSList(p.FSUUID)
	if err != nil {
		return nil, err
	}
	out := make([]ssResult, 0, len(snaps))
	for _, sn := range snaps {
		out = append(out, ssResult{Name: sn.Name, UUID: sn.UUID, Timestamp: sn.Timestamp})
	}
	return out, nil
}

type fsSnapshotParams struct {
	FSUUID     string `json:"fs_uuid"`
	DestSSName string `json:"dest_ss_name"`
}

func (s *Service) fsSnapshot(params json.RawMessage) (interface{}, error) {
	var p fsSnapshotParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.fs.FSSnapshot(p.FSUUID, p.DestSSName)
}

type fsSnapshotDeleteParams struct {
	FSUUID string `json:"fs_uuid"`
	SSUUID string `json:"ss_uuid"`
}

func (s *Service) fsSnapshotDelete(params json.RawMessage) (interface{}, error) {
	var p fsSnapshotDeleteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.fs.FSSnapshotDelete(p.FSUUID, p.SSUUID)
}

// --- NFS ---

func (s *Service) nfsExportAuthList(params json.RawMessage) (interface{}, error) {
	return s.fs.NFSExportAuthList(), nil
}

type nfsExportResult struct {
	Host    string   `json:"host"`
	Path    string   `json:"path"`
	Options []string `json:"options"`
}

func (s *Service) nfsExportList(params json.RawMessage) (interface{}, error) {
	exports, err := s.fs.NFSExportList()
	if err != nil {
		return nil, err
	}
	out := make([]nfsExportResult, 0, len(exports))
	for _, e := range exports {
		out = append(out, nfsExportResult{Host: e.Host, Path: e.Path, Options: e.OptionsList()})
	}
	return out, nil
}

type nfsExportAddParams struct {
	Host       string   `json:"host"`
	Path       string   `json:"path"`
	ExportPath *string  `json:"export_path"`
	Options    []string `json:"options"`
}

func (s *Service) nfsExportAdd(params json.RawMessage) (interface{}, error) {
	var p nfsExportAddParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ExportPath != nil {
		return nil, rpcerr.New(rpcerr.NFSNoSupport, "separate export path not supported at this time")
	}

	bits, keyVals, err := parseNFSOptions(p.Options)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.NFSExportAdd(p.Host, p.Path, bits, keyVals)
}

type nfsExportRemoveParams struct {
	Host string `json:"host"`
	Path string `json:"path"`
}

// parseNFSOptions turns the wire protocol's option token list ("rw",
// "anonuid=99", ...) into the bitmask + key/value pairs Nfs.export_add
// expects, validating both along the way.
func parseNFSOptions(options []string) (int, map[string]string, error) {
	bits, kv := nfsexport.ParseOpt(strings.Join(options, ","))
	if err := nfsexport.ValidateOptions(bits); err != nil {
		return 0, nil, err
	}
	if err := nfsexport.ValidateKeyPairs(kv); err != nil {
		return 0, nil, err
	}
	return bits, kv, nil
}

func (s *Service) nfsExportRemove(params json.RawMessage) (interface{}, error) {
	var p nfsExportRemoveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.fs.NFSExportRemove(p.Host, p.Path)
}
