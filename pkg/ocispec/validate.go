package ocispec

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/errs"
)

var (
	capabilityToken = regexp.MustCompile(`^[A-Z0-9_]{1,64}$`)
	hostnameChars   = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
)

var allowedMountTypes = map[string]bool{
	"bind": true, "proc": true, "sysfs": true, "tmpfs": true,
	"devpts": true, "devtmpfs": true, "overlay": true,
}

var allowedNamespaces = map[specs.LinuxNamespaceType]bool{
	specs.PIDNamespace:     true,
	specs.NetworkNamespace: true,
	specs.IPCNamespace:     true,
	specs.UTSNamespace:     true,
	specs.MountNamespace:   true,
	specs.UserNamespace:    true,
	specs.CgroupNamespace:  true,
}

// Validate applies every invariant in §3.1 and returns the first violation
// found, wrapped as a *errs.Error carrying the JSON path. Validation is
// total: every field that can be checked without backend-specific
// knowledge is checked here, regardless of which check fails first in this
// implementation's traversal order.
func Validate(spec *specs.Spec) error {
	var errList []*errs.Error

	check := func(cond bool, path, format string, args ...any) {
		if !cond {
			errList = append(errList, errs.New(errs.KindSpec, format, args...).WithPath(path))
		}
	}

	if spec.Process != nil {
		validateProcess(spec.Process, &errList)
	} else {
		errList = append(errList, errs.New(errs.KindSpec, "process is required").WithPath("process"))
	}

	if spec.Root != nil {
		check(filepath.IsAbs(spec.Root.Path), "root.path", "root.path must be absolute, got %q", spec.Root.Path)
	} else {
		errList = append(errList, errs.New(errs.KindSpec, "root is required").WithPath("root"))
	}

	if spec.Hostname != "" {
		validateHostname(spec.Hostname, &errList)
	}

	for i, m := range spec.Mounts {
		validateMount(i, m, &errList)
	}

	if spec.Linux != nil {
		validateLinux(spec.Linux, &errList)
	}

	if len(errList) == 0 {
		return nil
	}
	// Surface the first violation only; the others are collected but not
	// returned, so a single stable error keeps the CLI's
	// one-line-per-error contract simple.
	return errList[0]
}

func validateProcess(p *specs.Process, errList *[]*errs.Error) {
	add := func(path, format string, args ...any) {
		*errList = append(*errList, errs.New(errs.KindSpec, format, args...).WithPath(path))
	}

	if len(p.Args) == 0 {
		add("process.args", "process.args must not be empty")
	}
	if p.Cwd != "" && !filepath.IsAbs(p.Cwd) {
		add("process.cwd", "process.cwd must be absolute, got %q", p.Cwd)
	}
	for i, e := range p.Env {
		if !strings.Contains(e, "=") {
			add(fmt.Sprintf("process.env[%d]", i), "env entry %q missing '='", e)
		}
	}
	for i, rl := range p.Rlimits {
		if rl.Hard < rl.Soft {
			add(fmt.Sprintf("process.rlimits[%d]", i), "rlimit %s: hard (%d) < soft (%d)", rl.Type, rl.Hard, rl.Soft)
		}
	}
	if p.Capabilities != nil {
		sets := map[string][]string{
			"bounding":    p.Capabilities.Bounding,
			"effective":   p.Capabilities.Effective,
			"inheritable": p.Capabilities.Inheritable,
			"permitted":   p.Capabilities.Permitted,
			"ambient":     p.Capabilities.Ambient,
		}
		for setName, caps := range sets {
			for i, c := range caps {
				if !capabilityToken.MatchString(c) {
					add(fmt.Sprintf("process.capabilities.%s[%d]", setName, i), "invalid capability token %q", c)
				}
			}
		}
	}
}

func validateHostname(hostname string, errList *[]*errs.Error) {
	add := func(format string, args ...any) {
		*errList = append(*errList, errs.New(errs.KindSpec, format, args...).WithPath("hostname"))
	}
	if len(hostname) > 63 {
		add("hostname %q exceeds 63 characters", hostname)
		return
	}
	if !hostnameChars.MatchString(hostname) {
		add("hostname %q contains characters outside RFC-1123", hostname)
		return
	}
	if strings.HasPrefix(hostname, "-") || strings.HasSuffix(hostname, "-") {
		add("hostname %q has a leading or trailing hyphen", hostname)
	}
}

func validateMount(i int, m specs.Mount, errList *[]*errs.Error) {
	path := fmt.Sprintf("mounts[%d]", i)
	add := func(format string, args ...any) {
		*errList = append(*errList, errs.New(errs.KindSpec, format, args...).WithPath(path))
	}
	if !filepath.IsAbs(m.Destination) {
		add("mount destination must be absolute, got %q", m.Destination)
	}
	if m.Type != "" && !allowedMountTypes[m.Type] {
		add("unsupported mount type %q", m.Type)
	}
}

func validateLinux(l *specs.Linux, errList *[]*errs.Error) {
	for i, ns := range l.Namespaces {
		if !allowedNamespaces[ns.Type] {
			*errList = append(*errList, errs.New(errs.KindSpec, "unsupported namespace type %q", ns.Type).
				WithPath(fmt.Sprintf("linux.namespaces[%d]", i)))
		}
	}
}
