package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/open-iscsi/targetd/internal/block"
	"github.com/open-iscsi/targetd/internal/btrfs"
	"github.com/open-iscsi/targetd/internal/config"
	"github.com/open-iscsi/targetd/internal/fsorch"
	"github.com/open-iscsi/targetd/internal/lio"
	"github.com/open-iscsi/targetd/internal/lvm"
	"github.com/open-iscsi/targetd/internal/nfsexport"
	"github.com/open-iscsi/targetd/internal/rpcserver"
	"github.com/open-iscsi/targetd/internal/zfsbackend"
)

const lioStatePath = "/var/lib/target/targetd.json"

func main() {
	var (
		configPath = flag.String("config", config.DefaultConfigPath, "Path to the targetd YAML configuration file")
		addr       = flag.String("listen", ":18700", "Address to listen for JSON-RPC requests on")
		version    = flag.Bool("version", false, "Print the version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("targetd (Go)")
		os.Exit(0)
	}

	hostname, err := os.Hostname()
	if err != nil {
		logrus.WithError(err).Fatal("could not determine hostname")
	}

	cfg, err := config.Load(*configPath, hostname)
	if err != nil {
		logrus.WithError(err).Fatalf("loading configuration %s", *configPath)
	}

	if lvl, lerr := logrus.ParseLevel(cfg.LogLevel); lerr == nil {
		logrus.SetLevel(lvl)
	} else {
		logrus.WithField("log_level", cfg.LogLevel).Warn("unrecognized log level, defaulting to info")
	}

	blockOrch, fsOrch, err := buildOrchestrators(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("initializing storage backends")
	}

	svc := rpcserver.New(cfg, blockOrch, fsOrch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		cancel()
	}()

	if err := svc.Run(ctx, *addr); err != nil {
		logrus.WithError(err).Fatal("targetd exited")
	}
}

// buildOrchestrators wires the configured LVM/ZFS/btrfs backends into the
// block and filesystem orchestration layers, adapting each backend's
// concrete type to the orchestrators' capability interfaces.
func buildOrchestrators(cfg *config.Config) (*block.Orchestrator, *fsorch.Orchestrator, error) {
	root, err := lio.LoadFile(lioStatePath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading LIO state from %s: %w", lioStatePath, err)
	}

	var blockBackends []block.Backend

	if len(cfg.BlockPools) > 0 {
		lvmBackend := lvm.New()
		if err := lvmBackend.Initialize(cfg.BlockPools); err != nil {
			return nil, nil, fmt.Errorf("initializing LVM pools: %w", err)
		}
		blockBackends = append(blockBackends, block.NewLVMAdapter(lvmBackend))
	}

	if len(cfg.ZFSBlockPools) > 0 {
		zb := zfsbackend.New()
		if err := zb.InitializeBlock(cfg.ZFSEnableCopy, cfg.ZFSBlockPools); err != nil {
			return nil, nil, fmt.Errorf("initializing ZFS block pools: %w", err)
		}
		blockBackends = append(blockBackends, block.NewZFSBlockAdapter(zb))
	}

	blockOrch := block.New(cfg.TargetName, lioStatePath, cfg.PortalAddresses, root, blockBackends...)

	var fsBackends []fsorch.Backend

	if len(cfg.FSPools) > 0 {
		btrfsBackend := btrfs.New()
		if err := btrfsBackend.Initialize(cfg.FSPools); err != nil {
			return nil, nil, fmt.Errorf("initializing btrfs pools: %w", err)
		}
		fsBackends = append(fsBackends, fsorch.NewBtrfsAdapter(btrfsBackend))
	}

	if len(cfg.ZFSFSPools) > 0 {
		zf := zfsbackend.New()
		datasets := make(map[string]string, len(cfg.ZFSFSPools))
		for _, p := range cfg.ZFSFSPools {
			datasets[p] = p
		}
		if err := zf.InitializeFS(cfg.ZFSEnableCopy, datasets); err != nil {
			return nil, nil, fmt.Errorf("initializing ZFS filesystem pools: %w", err)
		}
		fsBackends = append(fsBackends, fsorch.NewZFSFSAdapter(zf))
	}

	fsOrch := fsorch.New(nfsexport.NewManager(), fsBackends...)

	return blockOrch, fsOrch, nil
}
