package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "targetd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadRequiresPassword(t *testing.T) {
	path := writeConfig(t, "user: admin\n")
	_, err := Load(path, "myhost")
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "password: secret\n")
	cfg, err := Load(path, "myhost")
	require.NoError(t, err)
	assert.Equal(t, []string{"vg-targetd"}, cfg.BlockPools)
	assert.Equal(t, "admin", cfg.User)
	assert.Equal(t, "iqn.2003-01.org.linux-iscsi.myhost:targetd", cfg.TargetName)
	assert.Equal(t, []string{"0.0.0.0"}, cfg.PortalAddresses)
}

func TestLoadRewritesLegacyPoolName(t *testing.T) {
	path := writeConfig(t, "password: secret\npool_name: vg1\n")
	cfg, err := Load(path, "myhost")
	require.NoError(t, err)
	assert.Contains(t, cfg.BlockPools, "vg1")
}
