package lxc

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// seccompProfile is the JSON shape written to <MaterializedRoot>/<vmid>/seccomp.json and
// referenced by "lxc.seccomp.profile". LXC's native seccomp profile
// format is line-oriented ("policy\nsyscall action[args]"), but recent
// liblxc builds also accept an OCI-shaped JSON profile when built with
// libseccomp >= 2.5; the shim emits that richer form so the default
// action and per-syscall args are not lost in translation.
type seccompProfile struct {
	DefaultAction string               `json:"defaultAction"`
	Syscalls      []specs.LinuxSyscall `json:"syscalls,omitempty"`
}

// RenderSeccompProfile returns the JSON bytes for the seccomp side file,
// or nil if the spec carried no seccomp section.
func (c *Config) RenderSeccompProfile() ([]byte, error) {
	if c.SeccompDefaultAction == "" && len(c.SeccompSyscalls) == 0 {
		return nil, nil
	}
	profile := seccompProfile{
		DefaultAction: c.SeccompDefaultAction,
		Syscalls:      c.SeccompSyscalls,
	}
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal seccomp profile: %w", err)
	}
	return data, nil
}
