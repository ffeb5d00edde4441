// Package lxc translates an OCI runtime spec into a Proxmox LXC
// configuration and drives the container through the pct(8) CLI (§4.6.2).
// This is the largest backend because LXC has no native notion of an OCI
// bundle: every axis of the spec (process, namespaces, resources, mounts,
// capabilities, devices, seccomp) is mapped by hand onto lxc.* config
// directives or pct(8) flags.
package lxc

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/errs"
)

// ConfigEntry is one "key: value" or "lxc.key = value" line in the
// materialized LXC configuration, kept as an ordered slice (rather than a
// map) so translation is deterministic: invariant 6 requires
// translate(spec) to be byte-equal for equal inputs modulo a documented
// sort order on map-typed fields, and Go map iteration order is not
// stable.
type ConfigEntry struct {
	Key   string
	Value string
}

// MountPoint is one LXC bind-mount-style entry realized as a
// "lxc.mount.entry" directive.
type MountPoint struct {
	Source      string
	Destination string
	FsType      string
	Options     []string
}

// DeviceRule is one device cgroup allow rule plus the bind mount needed to
// make the node visible inside the container.
type DeviceRule struct {
	AllowLine string // the lxc.cgroup2.devices.allow value
	BindMount *MountPoint
}

// Config is the pure translation result: everything needed to realize an
// LXC container, with no I/O performed yet.
type Config struct {
	VMID     int
	Hostname string

	// Identity / pct create arguments.
	Features []string // e.g. "nesting=1", "keyctl=1"

	// Rootfs.
	RootfsSource    string // bundle rootfs path or dataset clone mountpoint
	RootfsSizeBytes int64
	RootfsReadonly  bool

	// Resource translation results.
	MemoryMiB *int64
	Cores     *int64
	CPUUnits  *uint64
	PidsMax   *int64
	BlockIO   []ConfigEntry

	// Namespace sharing.
	NamespaceShares []ConfigEntry

	CapKeep []string
	CapDrop []string

	Devices []DeviceRule
	Mounts  []MountPoint

	ReadonlyPaths []string
	MaskedPaths   []string

	SeccompSyscalls      []specs.LinuxSyscall
	SeccompDefaultAction string

	EntryArgv []string
	EntryEnv  []string
	EntryCwd  string
	EntryUser specs.User

	Annotations map[string]string

	// Raw holds any directive that doesn't have a dedicated field above,
	// kept in encounter order.
	Raw []ConfigEntry
}

// Options carries the host/runtime context Translate needs that isn't in
// the spec itself.
type Options struct {
	VMID int
	// Privileged mirrors `pct create --unprivileged 0`: the container
	// keeps the full capability bounding set regardless of what the spec
	// itself requests, matching how a privileged LXC container behaves.
	Privileged bool
}

const zfsAnnotation = "pveshim.io/zfs-dataset"

// Translate is a pure function: spec -> Config. It performs no I/O and
// two calls with equal (spec, opts) produce a field-for-field equal
// Config, satisfying invariant 6 (translation idempotence).
func Translate(spec *specs.Spec, bundleRootfs string, opts Options) (*Config, error) {
	if spec.Process == nil {
		return nil, errs.New(errs.KindTranslation, "spec.process is required for LXC translation")
	}
	if spec.Root == nil {
		return nil, errs.New(errs.KindTranslation, "spec.root is required for LXC translation")
	}

	cfg := &Config{
		VMID:           opts.VMID,
		Hostname:       spec.Hostname,
		RootfsSource:   bundleRootfs,
		RootfsReadonly: spec.Root.Readonly,
		EntryArgv:      spec.Process.Args,
		EntryEnv:       spec.Process.Env,
		EntryCwd:       spec.Process.Cwd,
		EntryUser:      spec.Process.User,
		Annotations:    spec.Annotations,
	}
	// bundleRootfs is already resolved by the caller: either the bundle's
	// own rootfs/ directory, or the mountpoint of a dataset clone made via
	// pkg/dataset when spec.Annotations carries zfsAnnotation (§4.6.2).
	// Translate never performs that clone itself, to stay pure.

	if spec.Linux != nil {
		if err := translateNamespaces(spec.Linux.Namespaces, cfg); err != nil {
			return nil, err
		}
		if spec.Linux.Resources != nil {
			translateResources(spec.Linux.Resources, cfg)
		}
		if err := translateMounts(spec.Mounts, cfg); err != nil {
			return nil, err
		}
		if err := translateDevices(spec.Linux.Devices, cfg); err != nil {
			return nil, err
		}
		if spec.Linux.Seccomp != nil {
			cfg.SeccompDefaultAction = string(spec.Linux.Seccomp.DefaultAction)
			cfg.SeccompSyscalls = spec.Linux.Seccomp.Syscalls
		}
		cfg.ReadonlyPaths = append([]string{}, spec.Linux.ReadonlyPaths...)
		cfg.MaskedPaths = append([]string{}, spec.Linux.MaskedPaths...)
	} else {
		// No linux section at all: still need default namespace set.
		if err := translateNamespaces(nil, cfg); err != nil {
			return nil, err
		}
	}

	if opts.Privileged {
		cfg.CapKeep = nil
		cfg.CapDrop = nil
	} else if err := translateCapabilities(spec.Process.Capabilities, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func translateNamespaces(nsList []specs.LinuxNamespace, cfg *Config) error {
	hasUser := false
	for _, ns := range nsList {
		switch ns.Type {
		case specs.UserNamespace:
			hasUser = true
			if ns.Path != "" {
				cfg.NamespaceShares = append(cfg.NamespaceShares,
					ConfigEntry{Key: "lxc.namespace.share.user", Value: ns.Path})
			}
		case specs.NetworkNamespace:
			if ns.Path != "" {
				cfg.NamespaceShares = append(cfg.NamespaceShares,
					ConfigEntry{Key: "lxc.namespace.share.net", Value: ns.Path})
			}
		case specs.IPCNamespace:
			if ns.Path != "" {
				cfg.NamespaceShares = append(cfg.NamespaceShares,
					ConfigEntry{Key: "lxc.namespace.share.ipc", Value: ns.Path})
			}
		case specs.UTSNamespace:
			if ns.Path != "" {
				cfg.NamespaceShares = append(cfg.NamespaceShares,
					ConfigEntry{Key: "lxc.namespace.share.uts", Value: ns.Path})
			}
		case specs.PIDNamespace, specs.MountNamespace, specs.CgroupNamespace:
			// LXC always provides these. A Path on one of them produces
			// no lxc.namespace.share.* entry and is not rejected by the
			// validator: the container gets a fresh namespace of that
			// type instead of joining the one at Path.
		default:
			return errs.New(errs.KindTranslation, "namespace type %q has no LXC translation", ns.Type)
		}
	}

	if hasUser {
		cfg.Features = append(cfg.Features, "nesting=1", "keyctl=1")
	}
	return nil
}

func translateResources(r *specs.LinuxResources, cfg *Config) {
	if r.Memory != nil && r.Memory.Limit != nil {
		mib := *r.Memory.Limit / (1024 * 1024)
		cfg.MemoryMiB = &mib
	}
	if r.CPU != nil {
		if r.CPU.Quota != nil && r.CPU.Period != nil && *r.CPU.Period > 0 {
			cores := int64(math.Ceil(float64(*r.CPU.Quota) / float64(*r.CPU.Period)))
			if cores < 1 {
				cores = 1
			}
			cfg.Cores = &cores
		}
		if r.CPU.Shares != nil {
			cfg.CPUUnits = r.CPU.Shares
		}
	}
	if r.Pids != nil {
		limit := r.Pids.Limit
		cfg.PidsMax = &limit
	}
	if r.BlockIO != nil {
		translateBlockIO(r.BlockIO, cfg)
	}
}

func translateBlockIO(b *specs.LinuxBlockIO, cfg *Config) {
	if b.Weight != nil {
		cfg.BlockIO = append(cfg.BlockIO, ConfigEntry{Key: "lxc.cgroup2.io.weight", Value: strconv.Itoa(int(*b.Weight))})
	}
	addThrottle := func(key string, devices []specs.LinuxThrottleDevice) {
		for _, d := range devices {
			val := fmt.Sprintf("%d:%d %d", d.Major, d.Minor, d.Rate)
			cfg.BlockIO = append(cfg.BlockIO, ConfigEntry{Key: key, Value: val})
		}
	}
	addThrottle("lxc.cgroup2.io.max.rbps", b.ThrottleReadBpsDevice)
	addThrottle("lxc.cgroup2.io.max.wbps", b.ThrottleWriteBpsDevice)
	addThrottle("lxc.cgroup2.io.max.riops", b.ThrottleReadIOPSDevice)
	addThrottle("lxc.cgroup2.io.max.wiops", b.ThrottleWriteIOPSDevice)
}

var mountTypeMap = map[string]string{
	"tmpfs":    "tmpfs",
	"proc":     "proc",
	"sysfs":    "sysfs",
	"devpts":   "devpts",
	"devtmpfs": "tmpfs",
	"overlay":  "overlay",
	"bind":     "none",
}

func translateMounts(mounts []specs.Mount, cfg *Config) error {
	for _, m := range mounts {
		fsType, ok := mountTypeMap[m.Type]
		if !ok {
			return errs.New(errs.KindTranslation, "mount type %q has no LXC translation", m.Type).
				WithPath("mounts")
		}
		opts := append([]string{}, m.Options...)
		if m.Type == "bind" {
			opts = append(opts, "bind")
		}
		cfg.Mounts = append(cfg.Mounts, MountPoint{
			Source:      m.Source,
			Destination: strings.TrimPrefix(m.Destination, "/"),
			FsType:      fsType,
			Options:     opts,
		})
	}
	return nil
}

func translateDevices(devices []specs.LinuxDevice, cfg *Config) error {
	for _, d := range devices {
		if d.Major == 0 {
			return errs.New(errs.KindTranslation, "device %q: major 0 is not representable in LXC", d.Path)
		}
		switch d.Type {
		case "c", "b", "u", "p":
		default:
			return errs.New(errs.KindTranslation, "device %q: unsupported type %q", d.Path, d.Type)
		}

		allow := fmt.Sprintf("%s %d:%d rwm", d.Type, d.Major, d.Minor)
		cfg.Devices = append(cfg.Devices, DeviceRule{
			AllowLine: allow,
			BindMount: &MountPoint{
				Source:      d.Path,
				Destination: strings.TrimPrefix(d.Path, "/"),
				FsType:      "none",
				Options:     []string{"bind", "create=file"},
			},
		})
	}
	return nil
}

func translateCapabilities(caps *specs.LinuxCapabilities, cfg *Config) error {
	if caps == nil {
		cfg.CapDrop = []string{"all"}
		return nil
	}

	bounding := make(map[string]bool, len(caps.Bounding))
	for _, c := range caps.Bounding {
		bounding[c] = true
	}
	for _, c := range caps.Ambient {
		if !bounding[c] {
			return errs.New(errs.KindTranslation, "ambient capability %q is not in the bounding set", c)
		}
	}

	keep := make([]string, 0, len(caps.Bounding))
	for _, c := range caps.Bounding {
		keep = append(keep, strings.ToLower(strings.TrimPrefix(c, "CAP_")))
	}
	sort.Strings(keep)
	cfg.CapKeep = keep
	return nil
}

// ConfigLines renders cfg into the ordered lxc.* directive lines that are
// appended to /etc/pve/lxc/<vmid>.conf after `pct create`. Deterministic
// given a deterministic Config (invariant 6).
func (c *Config) ConfigLines() []string {
	var lines []string
	add := func(k, v string) { lines = append(lines, fmt.Sprintf("%s = %s", k, v)) }

	if c.Hostname != "" {
		add("lxc.uts.name", c.Hostname)
	}

	if len(c.CapKeep) > 0 {
		add("lxc.cap.keep", strings.Join(c.CapKeep, " "))
	} else if len(c.CapDrop) > 0 {
		add("lxc.cap.drop", strings.Join(c.CapDrop, " "))
	}

	for _, e := range c.NamespaceShares {
		add(e.Key, e.Value)
	}

	if c.PidsMax != nil {
		add("lxc.cgroup2.pids.max", strconv.FormatInt(*c.PidsMax, 10))
	}
	for _, e := range c.BlockIO {
		add(e.Key, e.Value)
	}

	for _, d := range c.Devices {
		add("lxc.cgroup2.devices.allow", d.AllowLine)
	}
	for _, d := range c.Devices {
		if d.BindMount != nil {
			add("lxc.mount.entry", mountEntryLine(*d.BindMount))
		}
	}
	for _, m := range c.Mounts {
		add("lxc.mount.entry", mountEntryLine(m))
	}
	for _, p := range c.ReadonlyPaths {
		rel := strings.TrimPrefix(p, "/")
		add("lxc.mount.entry", fmt.Sprintf("%s %s none bind,ro,optional 0 0", p, rel))
	}
	// Masked paths are conventionally files (/proc/kcore, /proc/keys); bind
	// mounting /dev/null over a directory entry fails at container start,
	// same limitation lxcri's writeMasked defers to its mount hook.
	for _, p := range c.MaskedPaths {
		rel := strings.TrimPrefix(p, "/")
		add("lxc.mount.entry", fmt.Sprintf("/dev/null %s none bind,optional 0 0", rel))
	}

	for _, e := range c.Raw {
		add(e.Key, e.Value)
	}

	return lines
}

func mountEntryLine(m MountPoint) string {
	opts := "defaults"
	if len(m.Options) > 0 {
		opts = strings.Join(m.Options, ",")
	}
	return fmt.Sprintf("%s %s %s %s 0 0", m.Source, m.Destination, m.FsType, opts)
}

// PctSetArgs renders the subset of the translation that maps to plain
// `pct set` flags (memory, cores, cpuunits, features) rather than raw
// lxc.* directives.
func (c *Config) PctSetArgs() []string {
	var args []string
	if c.MemoryMiB != nil {
		args = append(args, "--memory", strconv.FormatInt(*c.MemoryMiB, 10))
	}
	if c.Cores != nil {
		args = append(args, "--cores", strconv.FormatInt(*c.Cores, 10))
	}
	if c.CPUUnits != nil {
		args = append(args, "--cpuunits", strconv.FormatUint(*c.CPUUnits, 10))
	}
	if len(c.Features) > 0 {
		sorted := append([]string{}, c.Features...)
		sort.Strings(sorted)
		args = append(args, "--features", strings.Join(sorted, ","))
	}
	if c.Hostname != "" {
		args = append(args, "--hostname", c.Hostname)
	}
	return args
}

// RuntimeConfPath is the conventional location of a container's raw LXC
// config file on a Proxmox host.
func RuntimeConfPath(vmid int) string {
	return filepath.Join("/etc/pve/lxc", fmt.Sprintf("%d.conf", vmid))
}
