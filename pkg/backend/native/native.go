// Package native drives a CLI-driven OCI runtime (crun or runc) as the
// "native" backend (§4.6.1). The C-API variant some runtimes also expose
// is treated as future work, per the design's canonical-variant decision:
// the CLI path is the only one with an end-to-end call chain here.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/log"
	"github.com/cuemby/pveshim/pkg/subprocess"
)

// Runtime is the CLI-driven native backend.
type Runtime struct {
	// Binary is the runtime executable, e.g. "crun" or "runc".
	Binary string
	// Root is the runtime's own state directory (--root), distinct from
	// the shim's state store (§4.3 vs §4.6.1).
	Root string
	// NoPivot/NoNewKeyring mirror the matching create(1) CLI flags.
	NoPivot      bool
	NoNewKeyring bool

	log *log.Logger
}

// New returns a Runtime driving binary (default "crun") rooted at root.
func New(binary, root string, noPivot, noNewKeyring bool, logger *log.Logger) *Runtime {
	if binary == "" {
		binary = "crun"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runtime{Binary: binary, Root: root, NoPivot: noPivot, NoNewKeyring: noNewKeyring, log: logger}
}

func (r *Runtime) Tag() backend.Tag { return backend.TagNative }

func (r *Runtime) containerID(vmid int) string {
	// The native runtime is keyed by its own string id; the shim always
	// invokes it with the stringified VMID so state() lookups round-trip.
	return strconv.Itoa(vmid)
}

func (r *Runtime) run(ctx context.Context, args ...string) (subprocess.Result, error) {
	fullArgs := append([]string{"--root", r.Root}, args...)
	return subprocess.Run(ctx, subprocess.Request{Path: r.Binary, Args: fullArgs})
}

func (r *Runtime) Exists(ctx context.Context, vmid int) (bool, error) {
	_, err := r.run(ctx, "state", r.containerID(vmid))
	return err == nil, nil
}

func (r *Runtime) Create(ctx context.Context, vmid int, spec *specs.Spec, bundle string) error {
	args := []string{"create", "--bundle", bundle}
	if r.NoNewKeyring {
		args = append(args, "--no-new-keyring")
	}
	if r.NoPivot {
		args = append(args, "--no-pivot")
	}
	args = append(args, r.containerID(vmid))

	res, err := r.run(ctx, args...)
	if err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "%s create failed: %s", r.Binary, res.Stderr)
	}
	return nil
}

func (r *Runtime) Start(ctx context.Context, vmid int) error {
	res, err := r.run(ctx, "start", r.containerID(vmid))
	if err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "%s start failed: %s", r.Binary, res.Stderr)
	}
	return nil
}

func (r *Runtime) Stop(ctx context.Context, vmid int, timeout time.Duration) error {
	if err := r.Kill(ctx, vmid, "SIGTERM"); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := r.State(ctx, vmid)
		if err == nil && !st.Running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	return r.Kill(ctx, vmid, "SIGKILL")
}

func (r *Runtime) Kill(ctx context.Context, vmid int, signal string) error {
	res, err := r.run(ctx, "kill", r.containerID(vmid), signal)
	if err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "%s kill failed: %s", r.Binary, res.Stderr)
	}
	return nil
}

func (r *Runtime) Delete(ctx context.Context, vmid int) error {
	res, err := r.run(ctx, "delete", "--force", r.containerID(vmid))
	if err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "%s delete failed: %s", r.Binary, res.Stderr)
	}
	return nil
}

// runtimeState mirrors the JSON the runtime's `state` verb prints to
// stdout per the OCI spec.
type runtimeState struct {
	Status string `json:"status"`
	Pid    int    `json:"pid"`
}

func (r *Runtime) State(ctx context.Context, vmid int) (backend.State, error) {
	res, err := r.run(ctx, "state", r.containerID(vmid))
	if err != nil {
		return backend.State{}, errs.Wrap(errs.KindBackendFailure, err, "%s state failed: %s", r.Binary, res.Stderr)
	}

	var rs runtimeState
	if err := json.Unmarshal([]byte(res.Stdout), &rs); err != nil {
		return backend.State{}, fmt.Errorf("failed to parse %s state output: %w", r.Binary, err)
	}

	st := backend.State{PID: rs.Pid}
	switch rs.Status {
	case "running":
		st.Running = true
	case "paused":
		st.Running = true
		st.Paused = true
	case "stopped":
		code := 0
		st.ExitCode = &code
	}
	return st, nil
}

func (r *Runtime) Exec(ctx context.Context, vmid int, req backend.ExecRequest) (int, error) {
	args := []string{"exec"}
	if req.Cwd != "" {
		args = append(args, "--cwd", req.Cwd)
	}
	for _, e := range req.Env {
		args = append(args, "--env", e)
	}
	if req.TTY {
		args = append(args, "--tty")
	}
	args = append(args, r.containerID(vmid), "--")
	args = append(args, req.Argv...)

	// Unlike the other verbs, exec forwards the caller's stdio straight
	// through to crun/runc rather than buffering it into Result, so the
	// CLI's `exec` verb behaves like a real terminal passthrough.
	res, err := subprocess.Run(ctx, subprocess.Request{
		Path:   r.Binary,
		Args:   append([]string{"--root", r.Root}, args...),
		Stdin:  req.Stdin,
		Stdout: req.Stdout,
		Stderr: req.Stderr,
	})
	if err != nil && res.ExitCode == 0 {
		return -1, errs.Wrap(errs.KindBackendFailure, err, "%s exec failed: %s", r.Binary, res.Stderr)
	}
	return res.ExitCode, nil
}

func (r *Runtime) Pause(ctx context.Context, vmid int) error {
	res, err := r.run(ctx, "pause", r.containerID(vmid))
	if err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "%s pause failed: %s", r.Binary, res.Stderr)
	}
	return nil
}

func (r *Runtime) Resume(ctx context.Context, vmid int) error {
	res, err := r.run(ctx, "resume", r.containerID(vmid))
	if err != nil {
		return errs.Wrap(errs.KindBackendFailure, err, "%s resume failed: %s", r.Binary, res.Stderr)
	}
	return nil
}

func (r *Runtime) List(ctx context.Context) ([]int, error) {
	res, err := r.run(ctx, "list", "--format", "json")
	if err != nil {
		return nil, errs.Wrap(errs.KindBackendFailure, err, "%s list failed: %s", r.Binary, res.Stderr)
	}

	var entries []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s list output: %w", r.Binary, err)
	}

	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		if n, err := strconv.Atoi(e.ID); err == nil {
			ids = append(ids, n)
		}
	}
	return ids, nil
}
