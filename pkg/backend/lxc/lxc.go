package lxc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/dataset"
	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/log"
)

// Backend drives Proxmox LXC containers through pct(8), realizing the
// translation produced by Translate onto disk before each pct invocation.
type Backend struct {
	// MaterializedRoot holds the shim's own copy of generated artifacts
	// (entry scripts, seccomp profiles), separate from /etc/pve/lxc.
	MaterializedRoot string
	StorageID        string
	Privileged       bool

	dataset dataset.Manager
	pct     *pct
	log     *log.Logger
}

// New returns a Backend rooted at materializedRoot, using storageID for
// `pct create --rootfs` and ds for ZFS-annotated bundles. ds may be
// dataset.Unsupported{} when no ZFS backend is configured.
func New(materializedRoot, storageID string, privileged bool, ds dataset.Manager, logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	if ds == nil {
		ds = dataset.Unsupported{}
	}
	return &Backend{
		MaterializedRoot: materializedRoot,
		StorageID:        storageID,
		Privileged:       privileged,
		dataset:          ds,
		pct:              newPct(),
		log:              logger,
	}
}

func (b *Backend) Tag() backend.Tag { return backend.TagLxc }

func (b *Backend) artifactDir(vmid int) string {
	return filepath.Join(b.MaterializedRoot, strconv.Itoa(vmid))
}

func (b *Backend) seccompPath(vmid int) string {
	return filepath.Join(b.artifactDir(vmid), "seccomp.json")
}

func (b *Backend) entryScriptPath(vmid int) string {
	return filepath.Join(b.artifactDir(vmid), entryScriptName)
}

func (b *Backend) Exists(ctx context.Context, vmid int) (bool, error) {
	_, err := b.pct.status(ctx, vmid)
	return err == nil, nil
}

// Create resolves the rootfs path (the bundle's root or a ZFS clone),
// translates spec into an LXC Config, materializes the side files, runs
// `pct create` with the translated pct flags, and appends the raw lxc.*
// directives to the container's config file. The resolved rootfs path is
// kept only in Config.RootfsSource: the container's root filesystem is the
// fresh volume `pct create` allocates, sized from the memory limit.
func (b *Backend) Create(ctx context.Context, vmid int, spec *specs.Spec, bundle string) error {
	if spec.Root == nil {
		return errs.New(errs.KindSpec, "spec.root is required")
	}

	rootfsPath := filepath.Join(bundle, spec.Root.Path)
	var sizeBytes int64
	if spec.Linux != nil && spec.Linux.Resources != nil && spec.Linux.Resources.Memory != nil &&
		spec.Linux.Resources.Memory.Limit != nil {
		sizeBytes = *spec.Linux.Resources.Memory.Limit
	}

	if zfs, ok := spec.Annotations[zfsAnnotation]; ok && zfs != "" {
		name := fmt.Sprintf("vm-%d-rootfs", vmid)
		mountPath, err := b.dataset.Clone(ctx, zfs, name, sizeBytes)
		if err != nil {
			return errs.Wrap(errs.KindBackendFailure, err, "zfs clone of %q for vmid %d failed", zfs, vmid)
		}
		rootfsPath = mountPath
	}

	cfg, err := Translate(spec, rootfsPath, Options{VMID: vmid, Privileged: b.Privileged})
	if err != nil {
		return err
	}

	if err := b.materialize(cfg); err != nil {
		return err
	}

	sizeGiB := sizeBytes/(1024*1024*1024) + 1
	if err := b.pct.create(ctx, vmid, b.StorageID, sizeGiB, cfg.PctSetArgs()); err != nil {
		if zfs, ok := spec.Annotations[zfsAnnotation]; ok && zfs != "" {
			_ = b.dataset.Destroy(ctx, fmt.Sprintf("vm-%d-rootfs", vmid))
		}
		return err
	}

	if err := b.appendConfigLines(vmid, cfg); err != nil {
		_ = b.pct.destroy(ctx, vmid)
		return err
	}

	return nil
}

// materialize writes the entry script and, if present, the seccomp profile
// to MaterializedRoot, ahead of the lxc.mount.entry / lxc.seccomp.profile
// directives ConfigLines will reference.
func (b *Backend) materialize(cfg *Config) error {
	dir := b.artifactDir(cfg.VMID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "failed to create artifact dir %s", dir)
	}

	script := cfg.RenderEntryScript()
	if err := os.WriteFile(b.entryScriptPath(cfg.VMID), []byte(script), 0o750); err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "failed to write entry script")
	}

	profile, err := cfg.RenderSeccompProfile()
	if err != nil {
		return err
	}
	if profile != nil {
		if err := os.WriteFile(b.seccompPath(cfg.VMID), profile, 0o640); err != nil {
			return errs.Wrap(errs.KindBackendFailure, err, "failed to write seccomp profile")
		}
		cfg.Raw = append(cfg.Raw, ConfigEntry{Key: "lxc.seccomp.profile", Value: b.seccompPath(cfg.VMID)})
	}

	// The entry script realizes the OCI process; lxc.init.cmd points the
	// container's PID 1 at it directly rather than at spec.process.args.
	cfg.Raw = append(cfg.Raw, ConfigEntry{Key: "lxc.init.cmd", Value: "/bin/sh " + filepath.Join("/", entryScriptName)})
	cfg.Mounts = append(cfg.Mounts, MountPoint{
		Source:      b.entryScriptPath(cfg.VMID),
		Destination: entryScriptName,
		FsType:      "none",
		Options:     []string{"bind", "ro", "create=file"},
	})

	return nil
}

func (b *Backend) appendConfigLines(vmid int, cfg *Config) error {
	path := RuntimeConfPath(vmid)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "failed to open %s for append", path)
	}
	defer f.Close()

	for _, line := range cfg.ConfigLines() {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return errs.Wrap(errs.KindBackendFailure, err, "failed to append directive to %s", path)
		}
	}
	return nil
}

func (b *Backend) Start(ctx context.Context, vmid int) error {
	return b.pct.start(ctx, vmid)
}

func (b *Backend) Stop(ctx context.Context, vmid int, timeout time.Duration) error {
	if err := b.pct.stop(ctx, vmid, timeout); err == nil {
		return nil
	}
	return b.pct.kill(ctx, vmid)
}

func (b *Backend) Kill(ctx context.Context, vmid int, signal string) error {
	// pct stop only sends SIGKILL; anything gentler goes through shutdown.
	if signal == "SIGKILL" {
		return b.pct.kill(ctx, vmid)
	}
	return b.pct.stop(ctx, vmid, 0)
}

func (b *Backend) Delete(ctx context.Context, vmid int) error {
	if err := b.pct.destroy(ctx, vmid); err != nil {
		return err
	}
	if err := os.RemoveAll(b.artifactDir(vmid)); err != nil {
		b.log.Err(err, "failed to remove lxc artifact dir during delete")
	}
	_ = b.dataset.Destroy(ctx, fmt.Sprintf("vm-%d-rootfs", vmid))
	return nil
}

func (b *Backend) State(ctx context.Context, vmid int) (backend.State, error) {
	st, err := b.pct.status(ctx, vmid)
	if err != nil {
		return backend.State{}, err
	}
	s := backend.State{Running: st.Status == "running"}
	if s.Running {
		if pid, pidErr := b.pct.initPID(ctx, vmid); pidErr == nil {
			s.PID = pid
		}
	} else if st.Status == "stopped" {
		code := 0
		s.ExitCode = &code
	}
	return s, nil
}

func (b *Backend) Exec(ctx context.Context, vmid int, req backend.ExecRequest) (int, error) {
	res, err := b.pct.exec(ctx, vmid, req.Argv, req.Cwd, req.Env, execStdio{
		Stdin:  req.Stdin,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
	if err != nil && res.ExitCode == 0 {
		return -1, errs.Wrap(errs.KindBackendFailure, err, "pct exec failed: %s", res.Stderr)
	}
	return res.ExitCode, nil
}

func (b *Backend) Pause(ctx context.Context, vmid int) error  { return b.pct.pause(ctx, vmid) }
func (b *Backend) Resume(ctx context.Context, vmid int) error { return b.pct.resume(ctx, vmid) }

func (b *Backend) List(ctx context.Context) ([]int, error) {
	return b.pct.list(ctx)
}
