// Package hooks executes OCI lifecycle hooks (§4.5): sequentially in
// listed order per stage, each as a child process whose environment is
// the caller's plus the hook's own plus the standard OCI_* triple, with a
// per-hook timeout that SIGKILLs on expiry.
package hooks

import (
	"context"
	"fmt"
	"os"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/log"
	"github.com/cuemby/pveshim/pkg/subprocess"
)

// Stage identifies a point in the container lifecycle at which hooks run.
type Stage string

const (
	StagePrestart        Stage = "prestart"
	StageCreateRuntime   Stage = "createRuntime"
	StageCreateContainer Stage = "createContainer"
	StageStartContainer  Stage = "startContainer"
	StagePoststart       Stage = "poststart"
	StagePoststop        Stage = "poststop"
)

// DefaultTimeout is applied to a hook with no Timeout set.
const DefaultTimeout = 10 * time.Second

// Context is the per-container state passed to every hook's environment.
type Context struct {
	ContainerID string
	Bundle      string
	State       string // the OCI "state" JSON rendered as a string, per spec
}

// Required reports whether hooks at a stage must succeed for the operation
// to proceed. Only poststop hooks are optional in the sense that their
// failure never blocks teardown (§7); every other stage is required.
func Required(stage Stage) bool {
	return stage != StagePoststop
}

// Executor runs hook vectors.
type Executor struct {
	log *log.Logger
}

// New returns an Executor.
func New(logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{log: logger}
}

// Run executes every hook in hookList, in order, to completion before
// starting the next. If a required hook fails or times out, Run returns
// immediately with an errs.KindHookFailure identifying the stage and
// index; hooks already run are not undone here (the caller compensates,
// §7). If Required(stage) is false, failures are logged and execution
// continues through the remaining hooks, with all failures folded into a
// single returned error so teardown can still report what went wrong.
func (e *Executor) Run(ctx context.Context, stage Stage, hookList []specs.Hook, hctx Context) error {
	var softFailures []error

	for i, hook := range hookList {
		err := e.runOne(ctx, stage, i, hook, hctx)
		if err == nil {
			continue
		}
		if Required(stage) {
			return err
		}
		e.log.WithContainer(hctx.ContainerID).Err(err, fmt.Sprintf("optional hook %s[%d] failed, continuing", stage, i))
		softFailures = append(softFailures, err)
	}

	if len(softFailures) == 0 {
		return nil
	}
	return errs.Wrap(errs.KindHookFailure, softFailures[0],
		"%d optional %s hook(s) failed", len(softFailures), stage)
}

func (e *Executor) runOne(ctx context.Context, stage Stage, index int, hook specs.Hook, hctx Context) error {
	timeout := DefaultTimeout
	if hook.Timeout != nil && *hook.Timeout > 0 {
		timeout = time.Duration(*hook.Timeout) * time.Second
	}

	env := append(append([]string{}, os.Environ()...), hook.Env...)
	env = append(env,
		"OCI_CONTAINER_ID="+hctx.ContainerID,
		"OCI_BUNDLE="+hctx.Bundle,
		"OCI_CONTAINER_STATE="+hctx.State,
	)

	res, err := subprocess.Run(ctx, subprocess.Request{
		Path:    hook.Path,
		Args:    hook.Args,
		Env:     env,
		Timeout: timeout,
	})

	if res.TimedOut {
		return &errs.Error{
			Kind: errs.KindHookFailure, Stage: string(stage), Index: index,
			Stderr: res.Stderr,
			Msg:    fmt.Sprintf("hook %s timed out after %s", hook.Path, timeout),
			Cause:  err,
		}
	}
	if err != nil {
		return &errs.Error{
			Kind: errs.KindHookFailure, Stage: string(stage), Index: index,
			Stderr: res.Stderr,
			Msg:    fmt.Sprintf("hook %s exited %d", hook.Path, res.ExitCode),
			Cause:  err,
		}
	}
	return nil
}

// Vector selects the hook slice for a stage out of a *specs.Hooks.
func Vector(h *specs.Hooks, stage Stage) []specs.Hook {
	if h == nil {
		return nil
	}
	switch stage {
	case StagePrestart:
		return h.Prestart
	case StageCreateRuntime:
		return h.CreateRuntime
	case StageCreateContainer:
		return h.CreateContainer
	case StageStartContainer:
		return h.StartContainer
	case StagePoststart:
		return h.Poststart
	case StagePoststop:
		return h.Poststop
	default:
		return nil
	}
}
