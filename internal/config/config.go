// Package config loads targetd's YAML configuration (via viper/mapstructure),
// merges it with the reference defaults, and validates the pieces that must
// be right before the daemon starts accepting requests: a configured
// password and, when TLS is enabled, a cert/key pair owned and permissioned
// the way the deployment expects.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// DefaultConfigPath is where targetd looks for its configuration absent an
// override.
const DefaultConfigPath = "/etc/target/targetd.yaml"

// Config is the merged, validated daemon configuration.
type Config struct {
	BlockPools      []string `mapstructure:"block_pools"`
	FSPools         []string `mapstructure:"fs_pools"`
	ZFSBlockPools   []string `mapstructure:"zfs_block_pools"`
	ZFSFSPools      []string `mapstructure:"zfs_fs_pools"`
	ZFSEnableCopy   bool     `mapstructure:"zfs_enable_copy"`
	User            string   `mapstructure:"user"`
	Password        string   `mapstructure:"password"`
	LogLevel        string   `mapstructure:"log_level"`
	TargetName      string   `mapstructure:"target_name"`
	SSL             bool     `mapstructure:"ssl"`
	SSLCert         string   `mapstructure:"ssl_cert"`
	SSLKey          string   `mapstructure:"ssl_key"`
	PortalAddresses []string `mapstructure:"portal_addresses"`

	// PoolName is the legacy single-pool key; Load rewrites it into
	// BlockPools and logs a warning, matching the reference implementation's
	// backward-compatibility shim.
	PoolName string `mapstructure:"pool_name"`
}

func setDefaults(v *viper.Viper, hostname string) {
	v.SetDefault("block_pools", []string{"vg-targetd"})
	v.SetDefault("fs_pools", []string{})
	v.SetDefault("zfs_block_pools", []string{})
	v.SetDefault("zfs_fs_pools", []string{})
	v.SetDefault("zfs_enable_copy", false)
	v.SetDefault("user", "admin")
	v.SetDefault("log_level", "info")
	v.SetDefault("target_name", fmt.Sprintf("iqn.2003-01.org.linux-iscsi.%s:targetd", hostname))
	v.SetDefault("ssl", false)
	v.SetDefault("ssl_cert", "/etc/target/targetd_cert.pem")
	v.SetDefault("ssl_key", "/etc/target/targetd_key.pem")
	v.SetDefault("portal_addresses", []string{"0.0.0.0"})
}

// Load reads and validates the YAML configuration at path.
func Load(path, hostname string) (*Config, error) {
	v := viper.New()
	setDefaults(v, hostname)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.PoolName != "" {
		logrus.WithField("pool_name", cfg.PoolName).
			Warn("pool_name is deprecated, use block_pools")
		cfg.BlockPools = []string{cfg.PoolName}
	}

	if cfg.Password == "" {
		return nil, fmt.Errorf("no password set in %s", path)
	}

	if cfg.SSL {
		if err := checkTLSFilePerms(cfg.SSLCert); err != nil {
			return nil, err
		}
		if err := checkTLSFilePerms(cfg.SSLKey); err != nil {
			return nil, err
		}
	}

	sort.Strings(cfg.BlockPools)
	return &cfg, nil
}

// checkTLSFilePerms verifies that a TLS cert/key file is a regular file,
// owned by root, and not group- or world-accessible, since these files
// carry the daemon's private key material.
func checkTLSFilePerms(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("%s: cannot verify ownership on this platform", path)
	}
	if st.Uid != 0 {
		return fmt.Errorf("%s must be owned by root", path)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%s must not be readable/writable by group or other (mode %o)", filepath.Base(path), fi.Mode().Perm())
	}
	return nil
}
