package rpcserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-iscsi/targetd/internal/block"
	"github.com/open-iscsi/targetd/internal/config"
	"github.com/open-iscsi/targetd/internal/fsorch"
	"github.com/open-iscsi/targetd/internal/lio"
	"github.com/open-iscsi/targetd/internal/nfsexport"
)

type fakeBlockBackend struct {
	pool string
	vols map[string]block.VolumeInfo
}

func (f *fakeBlockBackend) HasPool(pool string) bool     { return pool == f.pool }
func (f *fakeBlockBackend) HasSOName(string) bool        { return false }
func (f *fakeBlockBackend) HasUdevPath(string) bool      { return false }
func (f *fakeBlockBackend) GetSOName(pool, name string) string { return pool + ":" + name }
func (f *fakeBlockBackend) DevPath(pool, name string) string   { return "/dev/" + pool + "/" + name }
func (f *fakeBlockBackend) Volumes(pool string) ([]block.VolumeInfo, error) {
	var out []block.VolumeInfo
	for _, v := range f.vols {
		out = append(out, v)
	}
	return out, nil
}
func (f *fakeBlockBackend) Create(pool, name string, size int64) error {
	f.vols[name] = block.VolumeInfo{Name: name, Size: size, UUID: "uuid-" + name}
	return nil
}
func (f *fakeBlockBackend) Destroy(pool, name string) error {
	delete(f.vols, name)
	return nil
}
func (f *fakeBlockBackend) Copy(pool, orig, newName string, size int64) error { return nil }
func (f *fakeBlockBackend) Resize(pool, name string, size int64) error       { return nil }
func (f *fakeBlockBackend) Pools() ([]block.PoolInfo, error) {
	return []block.PoolInfo{{Name: f.pool, Size: 100 << 30, FreeSize: 50 << 30}}, nil
}

func newTestService() (*Service, *config.Config) {
	cfg := &config.Config{User: "admin", Password: "secret", TargetName: "iqn.test:targetd"}
	blockBackend := &fakeBlockBackend{pool: "vg0", vols: map[string]block.VolumeInfo{}}
	blockOrch := block.New(cfg.TargetName, "", nil, lio.NewRoot(), blockBackend)
	fsOrch := fsorch.New(nfsexport.NewManager())
	return New(cfg, blockOrch, fsOrch), cfg
}

func doRPC(t *testing.T, srv *httptest.Server, user, pass, method string, params interface{}) map[string]interface{} {
	t.Helper()
	paramsJSON, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "method": method, "id": 1, "params": json.RawMessage(paramsJSON),
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/targetrpc", bytes.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	s, _ := newTestService()
	srv := httptest.NewServer(http.HandlerFunc(s.handleRPC))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/targetrpc", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLockedOutAddressIsRejectedImmediately(t *testing.T) {
	s, _ := newTestService()

	// A failed auth punishes the client for tarpit.Delay; a second request
	// arriving during that window must fail fast with 503 instead of
	// blocking on (or repeating) the punishment.
	go s.tar.Punish("10.0.0.9")
	for i := 0; i < 100 && !s.tar.IsStuck("10.0.0.9"); i++ {
		time.Sleep(time.Millisecond)
	}
	require.True(t, s.tar.IsStuck("10.0.0.9"))

	req := httptest.NewRequest(http.MethodPost, "/targetrpc", bytes.NewReader([]byte(`{}`)))
	req.RemoteAddr = "10.0.0.9:5555"
	rec := httptest.NewRecorder()
	s.handleRPC(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPoolListRoundTrip(t *testing.T) {
	s, cfg := newTestService()
	srv := httptest.NewServer(http.HandlerFunc(s.handleRPC))
	defer srv.Close()

	out := doRPC(t, srv, cfg.User, cfg.Password, "pool_list", nil)
	require.Nil(t, out["error"])
	pools, ok := out["result"].([]interface{})
	require.True(t, ok)
	require.Len(t, pools, 1)
	assert.Equal(t, "vg0", pools[0].(map[string]interface{})["name"])
}

func TestVolCreateThenList(t *testing.T) {
	s, cfg := newTestService()
	srv := httptest.NewServer(http.HandlerFunc(s.handleRPC))
	defer srv.Close()

	out := doRPC(t, srv, cfg.User, cfg.Password, "vol_create", map[string]interface{}{
		"pool": "vg0", "name": "data1", "size": 10 << 20,
	})
	require.Nil(t, out["error"])

	out = doRPC(t, srv, cfg.User, cfg.Password, "vol_list", map[string]interface{}{"pool": "vg0"})
	require.Nil(t, out["error"])
	vols, ok := out["result"].([]interface{})
	require.True(t, ok)
	require.Len(t, vols, 1)
	assert.Equal(t, "data1", vols[0].(map[string]interface{})["name"])
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s, cfg := newTestService()
	srv := httptest.NewServer(http.HandlerFunc(s.handleRPC))
	defer srv.Close()

	out := doRPC(t, srv, cfg.User, cfg.Password, "not_a_real_method", nil)
	require.NotNil(t, out["error"])
	errObj := out["error"].(map[string]interface{})
	assert.Equal(t, float64(-32601), errObj["code"])
}

func TestInvalidPoolReturnsTargetdErrorCode(t *testing.T) {
	s, cfg := newTestService()
	srv := httptest.NewServer(http.HandlerFunc(s.handleRPC))
	defer srv.Close()

	out := doRPC(t, srv, cfg.User, cfg.Password, "vol_create", map[string]interface{}{
		"pool": "nonexistent", "name": "data1", "size": 1,
	})
	require.NotNil(t, out["error"])
	errObj := out["error"].(map[string]interface{})
	assert.Equal(t, float64(-110), errObj["code"])
}
