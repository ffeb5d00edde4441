package lxc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/subprocess"
)

// pct wraps invocations of the Proxmox `pct` CLI so Backend methods read
// as orchestration rather than argv assembly.
type pct struct {
	binary string // defaults to "pct"
}

func newPct() *pct { return &pct{binary: "pct"} }

func (p *pct) run(ctx context.Context, args ...string) (subprocess.Result, error) {
	res, err := subprocess.Run(ctx, subprocess.Request{Path: p.binary, Args: args})
	if err != nil {
		return res, errs.Wrap(errs.KindBackendFailure, err, "pct %s failed: %s", strings.Join(args, " "), res.Stderr)
	}
	return res, nil
}

// create runs `pct create` for vmid from the blank pveshim template with a
// fresh rootfs volume of sizeGiB on storageID, passing setArgs as extra
// flags. The bundle's rootfs (Config.RootfsSource) is neither copied into
// that volume nor mounted over it.
func (p *pct) create(ctx context.Context, vmid int, storageID string, sizeGiB int64, setArgs []string) error {
	if sizeGiB < 1 {
		sizeGiB = 1
	}
	args := []string{"create", strconv.Itoa(vmid), "local:vztmpl/pveshim-blank.tar.zst",
		"--rootfs", fmt.Sprintf("%s:%d", storageID, sizeGiB), "--unprivileged", "0"}
	args = append(args, setArgs...)
	_, err := p.run(ctx, args...)
	return err
}

func (p *pct) set(ctx context.Context, vmid int, args ...string) error {
	if len(args) == 0 {
		return nil
	}
	full := append([]string{"set", strconv.Itoa(vmid)}, args...)
	_, err := p.run(ctx, full...)
	return err
}

func (p *pct) start(ctx context.Context, vmid int) error {
	_, err := p.run(ctx, "start", strconv.Itoa(vmid))
	return err
}

func (p *pct) stop(ctx context.Context, vmid int, timeout time.Duration) error {
	_, err := p.run(ctx, "shutdown", strconv.Itoa(vmid), "--timeout", strconv.Itoa(int(timeout.Seconds())))
	return err
}

func (p *pct) kill(ctx context.Context, vmid int) error {
	_, err := p.run(ctx, "stop", strconv.Itoa(vmid), "--skiplock", "1")
	return err
}

func (p *pct) destroy(ctx context.Context, vmid int) error {
	_, err := p.run(ctx, "destroy", strconv.Itoa(vmid), "--purge", "1")
	return err
}

func (p *pct) pause(ctx context.Context, vmid int) error {
	_, err := p.run(ctx, "suspend", strconv.Itoa(vmid))
	return err
}

func (p *pct) resume(ctx context.Context, vmid int) error {
	_, err := p.run(ctx, "resume", strconv.Itoa(vmid))
	return err
}

// status mirrors the subset of `pct status <vmid> --output-format json` the
// backend needs.
type status struct {
	Status string `json:"status"` // "running" | "stopped"
}

func (p *pct) status(ctx context.Context, vmid int) (status, error) {
	res, err := p.run(ctx, "status", strconv.Itoa(vmid), "--output-format", "json")
	if err != nil {
		return status{}, err
	}
	var st status
	if jsonErr := json.Unmarshal([]byte(res.Stdout), &st); jsonErr != nil {
		return status{}, fmt.Errorf("failed to parse pct status output: %w", jsonErr)
	}
	return st, nil
}

func (p *pct) initPID(ctx context.Context, vmid int) (int, error) {
	res, err := p.run(ctx, "exec", strconv.Itoa(vmid), "--", "cat", "/proc/1/stat")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/1/stat from pct exec")
	}
	// This reads PID 1 *inside* the container's own pid namespace, so it
	// is always 1. Backend.State reports it as the container's PID; the
	// host-visible PID of the init process is not looked up.
	return strconv.Atoi(fields[0])
}

// execStdio carries the live stdio a streaming exec forwards to the
// underlying `pct exec` process; a zero value leaves Run to buffer into
// subprocess.Result the way every other pct verb does.
type execStdio struct {
	Stdin          io.Reader
	Stdout, Stderr io.Writer
}

func (p *pct) exec(ctx context.Context, vmid int, argv []string, cwd string, env []string, stdio execStdio) (subprocess.Result, error) {
	args := []string{"exec", strconv.Itoa(vmid)}
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, "--")
	args = append(args, argv...)
	return subprocess.Run(ctx, subprocess.Request{
		Path:   p.binary,
		Args:   args,
		Stdin:  stdio.Stdin,
		Stdout: stdio.Stdout,
		Stderr: stdio.Stderr,
	})
}

func (p *pct) list(ctx context.Context) ([]int, error) {
	res, err := p.run(ctx, "list")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	var ids []int
	for i, line := range lines {
		if i == 0 {
			continue // header
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if id, convErr := strconv.Atoi(fields[0]); convErr == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
