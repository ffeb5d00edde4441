package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/backend/lxc"
	"github.com/cuemby/pveshim/pkg/backend/native"
	"github.com/cuemby/pveshim/pkg/backend/vm"
	"github.com/cuemby/pveshim/pkg/config"
	"github.com/cuemby/pveshim/pkg/dataset"
	"github.com/cuemby/pveshim/pkg/hooks"
	"github.com/cuemby/pveshim/pkg/identity"
	"github.com/cuemby/pveshim/pkg/log"
	"github.com/cuemby/pveshim/pkg/orchestrator"
	"github.com/cuemby/pveshim/pkg/router"
	"github.com/cuemby/pveshim/pkg/state"
)

// cfg and orch are wired once in initApp, ahead of whichever verb cobra
// dispatches to; every subcommand's RunE reads orch directly rather than
// threading it through flags, matching how the teacher wires a package
// scoped client in its cluster/service/node command groups.
var (
	cfg    config.Config
	logger *log.Logger
	orch   *orchestrator.Orchestrator
)

// initApp runs via cobra.OnInitialize, after flags are parsed but before
// any subcommand's RunE, so every verb sees a ready orchestrator.
func initApp() {
	flags := rootCmd.PersistentFlags()

	configPath, _ := flags.GetString("config")
	cfg = config.Default()

	var err error
	cfg, err = config.LoadFile(cfg, configPath)
	if err != nil {
		fatal(err)
	}
	cfg = config.ApplyEnv(cfg)

	if v, _ := flags.GetString("root"); v != "" {
		cfg.Root = v
	}
	if v, _ := flags.GetString("log"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	if debug, _ := flags.GetBool("debug"); debug {
		cfg.LogLevel = string(log.DebugLevel)
	}

	logger = log.New(log.Config{Level: log.Level(cfg.LogLevel), Format: log.Format(cfg.LogFormat)})
	log.SetDefault(logger)

	stateDir := filepath.Join(cfg.Root, "state")
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		fatal(fmt.Errorf("failed to create state dir %s: %w", stateDir, err))
	}
	nativeRoot := filepath.Join(cfg.Root, "native")
	if err := os.MkdirAll(nativeRoot, 0o750); err != nil {
		fatal(fmt.Errorf("failed to create native root %s: %w", nativeRoot, err))
	}
	lxcRoot := filepath.Join(cfg.Root, "lxc")
	if err := os.MkdirAll(lxcRoot, 0o750); err != nil {
		fatal(fmt.Errorf("failed to create lxc artifact root %s: %w", lxcRoot, err))
	}

	store := state.New(stateDir, logger)
	mapper := identity.New(filepath.Join(cfg.Root, "mapping.json"), cfg.VmidFloor)

	registry := backend.NewRegistry()
	registry.Register(native.New(cfg.NativeBinary, nativeRoot, cfg.NoPivot, cfg.NoNewKeyring, logger))
	registry.Register(lxc.New(lxcRoot, cfg.LxcStorageID, cfg.LxcPrivileged, dataset.Unsupported{}, logger))

	if cfg.VmBaseURL != "" {
		vmBackend, err := vm.New(vm.Config{
			BaseURL:    cfg.VmBaseURL,
			TokenID:    cfg.VmTokenID,
			TokenValue: cfg.VmTokenValue,
			Node:       cfg.VmNode,
			TemplateID: cfg.VmTemplateID,
		}, logger)
		if err != nil {
			logger.Err(err, "vm backend not registered, --runtime vm will be unavailable")
		} else {
			registry.Register(vmBackend)
		}
	}

	rt := router.New(registry, cfg.ToRouterPatterns(), backend.Tag(cfg.DefaultBackend))
	hookExec := hooks.New(logger)
	orch = orchestrator.New(store, mapper, rt, hookExec, logger)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "pveshim: %v\n", err)
	os.Exit(1)
}
