// Package orchestrator implements the CLI verbs (§4.7) by composing the
// validator, identity mapper, router, hook executor, and state store. Each
// verb is one straight-line, synchronous call chain — the binary is a
// short-lived, one-verb-per-invocation tool (§5), so there is no scheduler
// here, just ordered steps with explicit compensation on failure.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/hooks"
	"github.com/cuemby/pveshim/pkg/identity"
	"github.com/cuemby/pveshim/pkg/log"
	"github.com/cuemby/pveshim/pkg/ocispec"
	"github.com/cuemby/pveshim/pkg/router"
	"github.com/cuemby/pveshim/pkg/state"
)

// Orchestrator drives every lifecycle verb.
type Orchestrator struct {
	store  *state.Store
	mapper *identity.Mapper
	router *router.Router
	hooks  *hooks.Executor
	log    *log.Logger
}

// New returns an Orchestrator over the given collaborators.
func New(store *state.Store, mapper *identity.Mapper, rt *router.Router, hookExec *hooks.Executor, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{store: store, mapper: mapper, router: rt, hooks: hookExec, log: logger}
}

func tagToBackend(t backend.Tag) state.Backend { return state.Backend(t) }
func backendToTag(b state.Backend) backend.Tag { return backend.Tag(b) }

// ociState renders the OCI "state" JSON used as hook env OCI_CONTAINER_STATE.
func ociState(spec *specs.Spec, id, bundle, status string, pid int) string {
	s := specs.State{
		Version:     spec.Version,
		ID:          id,
		Status:      status,
		Pid:         pid,
		Bundle:      bundle,
		Annotations: spec.Annotations,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf(`{"id":%q,"status":%q}`, id, status)
	}
	return string(data)
}

// Create parses and validates the bundle, allocates a VMID, resolves a
// backend, runs the create-time hook stages, and persists a `created`
// record. Any failure after VMID allocation releases it and undoes
// whatever partial backend state was created (§4.7, invariant S4).
func (o *Orchestrator) Create(ctx context.Context, id, bundle string, explicit backend.Tag) error {
	if o.store.Exists(id) {
		return errs.New(errs.KindIdConflict, "container %q already exists", id)
	}

	spec, err := ocispec.Parse(bundle)
	if err != nil {
		return err
	}
	if err := ocispec.Validate(spec); err != nil {
		return err
	}

	vmid, err := o.mapper.Allocate(id, bundle)
	if err != nil {
		return err
	}

	b, tag, err := o.router.Resolve(id, explicit, spec)
	if err != nil {
		o.releaseQuietly(id)
		return err
	}
	clog := o.log.WithContainer(id).WithBackend(string(tag))

	hctx := hooks.Context{ContainerID: id, Bundle: bundle, State: ociState(spec, id, bundle, "creating", 0)}

	if err := o.hooks.Run(ctx, hooks.StagePrestart, hooks.Vector(spec.Hooks, hooks.StagePrestart), hctx); err != nil {
		o.releaseQuietly(id)
		return err
	}
	if err := o.hooks.Run(ctx, hooks.StageCreateRuntime, hooks.Vector(spec.Hooks, hooks.StageCreateRuntime), hctx); err != nil {
		o.releaseQuietly(id)
		return err
	}

	if err := b.Create(ctx, vmid, spec, bundle); err != nil {
		o.releaseQuietly(id)
		return err
	}

	if err := o.hooks.Run(ctx, hooks.StageCreateContainer, hooks.Vector(spec.Hooks, hooks.StageCreateContainer), hctx); err != nil {
		if delErr := b.Delete(ctx, vmid); delErr != nil {
			clog.Err(delErr, "compensating delete after createContainer hook failure also failed")
		}
		o.releaseQuietly(id)
		return err
	}

	now := time.Now()
	rec := &state.Record{
		ID:          id,
		VMID:        vmid,
		Backend:     tagToBackend(tag),
		BundlePath:  bundle,
		Phase:       state.PhaseCreated,
		CreatedAt:   now,
		Annotations: spec.Annotations,
	}
	if err := o.store.CreateLocked(rec); err != nil {
		if delErr := b.Delete(ctx, vmid); delErr != nil {
			clog.Err(delErr, "compensating delete after state commit failure also failed")
		}
		o.releaseQuietly(id)
		return err
	}

	clog.Info(fmt.Sprintf("created with vmid %d", vmid))
	return nil
}

func (o *Orchestrator) releaseQuietly(id string) {
	if err := o.mapper.Release(id); err != nil {
		o.log.WithContainer(id).Err(err, "failed to release vmid during compensation")
	}
}

// Start runs the startContainer hook, invokes backend.Start, and on
// success transitions the record to `running` then runs poststart. OCI
// only allows start from `created`.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}
	if rec.Phase != state.PhaseCreated {
		return errs.New(errs.KindStateTransition, "container %q is %s, start requires created", id, rec.Phase)
	}

	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}

	spec, err := ocispec.Parse(rec.BundlePath)
	if err != nil {
		return err
	}
	hctx := hooks.Context{ContainerID: id, Bundle: rec.BundlePath, State: ociState(spec, id, rec.BundlePath, "created", 0)}

	if err := o.hooks.Run(ctx, hooks.StageStartContainer, hooks.Vector(spec.Hooks, hooks.StageStartContainer), hctx); err != nil {
		return err
	}

	if err := b.Start(ctx, rec.VMID); err != nil {
		// The record is only advanced to `running` below, after a
		// successful backend.Start, so a failure here leaves it in
		// `created` with no rollback needed.
		return err
	}

	st, err := b.State(ctx, rec.VMID)
	if err != nil {
		return err
	}

	now := time.Now()
	next, err := o.store.CompareAndSwap(id, state.PhaseCreated, func(current *state.Record) (*state.Record, error) {
		c := current.Clone()
		c.Phase = state.PhaseRunning
		c.PID = st.PID
		c.StartedAt = &now
		return c, nil
	})
	if err != nil {
		return err
	}

	hctx.State = ociState(spec, id, rec.BundlePath, "running", next.PID)
	if err := o.hooks.Run(ctx, hooks.StagePoststart, hooks.Vector(spec.Hooks, hooks.StagePoststart), hctx); err != nil {
		o.log.WithContainer(id).Err(err, "poststart hook failed after successful start")
		return err
	}

	return nil
}

// Stop sends the timeout-bounded stop sequence, falling back to kill, then
// persists the stopped record and runs poststop. Only valid from `running`
// (§4.1): stopping a container that was never started, or is already
// stopped, is a no-op state transition and must fail rather than silently
// re-commit the record.
func (o *Orchestrator) Stop(ctx context.Context, id string, timeout time.Duration) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}
	if rec.Phase != state.PhaseRunning {
		return errs.New(errs.KindStateTransition, "container %q is %s, stop requires running", id, rec.Phase)
	}

	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}
	if err := o.stopBackend(ctx, b, rec.VMID, timeout); err != nil {
		return err
	}
	return o.commitStopped(ctx, rec, "stopped by request")
}

// stopBackend runs the timeout-bounded stop sequence against a backend
// directly, without the phase check Stop enforces at the CLI-verb layer;
// Delete's best-effort teardown uses this so force-delete still works from
// `created` or `paused`.
func (o *Orchestrator) stopBackend(ctx context.Context, b backend.Backend, vmid int, timeout time.Duration) error {
	if err := b.Stop(ctx, vmid, timeout); err != nil {
		o.log.Err(err, "backend stop failed, falling back to kill")
		return b.Kill(ctx, vmid, "SIGKILL")
	}
	return nil
}

// Kill forwards a signal to the backend; if the backend can't honor a
// specific signal it degrades to an immediate stop (timeout=0). Only valid
// from `running`, mirroring Stop.
func (o *Orchestrator) Kill(ctx context.Context, id, signal string) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}
	if rec.Phase != state.PhaseRunning {
		return errs.New(errs.KindStateTransition, "container %q is %s, kill requires running", id, rec.Phase)
	}

	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}
	if err := b.Kill(ctx, rec.VMID, signal); err != nil {
		return err
	}
	if signal == "SIGKILL" || signal == "SIGTERM" {
		return o.commitStopped(ctx, rec, "killed by signal "+signal)
	}
	return nil
}

func (o *Orchestrator) commitStopped(ctx context.Context, rec *state.Record, reason string) error {
	now := time.Now()
	code := 0
	_, err := o.store.CompareAndSwap(rec.ID, "", func(current *state.Record) (*state.Record, error) {
		c := current.Clone()
		c.Phase = state.PhaseStopped
		c.FinishedAt = &now
		c.ExitCode = &code
		c.ExitReason = reason
		return c, nil
	})
	if err != nil {
		return err
	}

	spec, specErr := ocispec.Parse(rec.BundlePath)
	if specErr != nil {
		o.log.WithContainer(rec.ID).Err(specErr, "could not reparse bundle for poststop hooks")
		return nil
	}
	hctx := hooks.Context{ContainerID: rec.ID, Bundle: rec.BundlePath, State: ociState(spec, rec.ID, rec.BundlePath, "stopped", 0)}
	if err := o.hooks.Run(ctx, hooks.StagePoststop, hooks.Vector(spec.Hooks, hooks.StagePoststop), hctx); err != nil {
		o.log.WithContainer(rec.ID).Err(err, "poststop hook reported failure")
	}
	return nil
}

// Delete requires `stopped` unless force, in which case it performs a
// best-effort stop first. A failed best-effort stop or VMID release does
// not stop the delete; a failed backend delete returns before the VMID and
// the state record are removed, so a failed delete can be safely retried.
func (o *Orchestrator) Delete(ctx context.Context, id string, force bool) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}

	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}

	if rec.Phase != state.PhaseStopped {
		if !force {
			return errs.New(errs.KindStateTransition, "container %q is %s, delete requires stopped (use force)", id, rec.Phase)
		}
		if stopErr := o.stopBackend(ctx, b, rec.VMID, 0); stopErr != nil {
			o.log.WithContainer(id).Err(stopErr, "best-effort stop before forced delete failed, continuing")
		}
	}

	if err := b.Delete(ctx, rec.VMID); err != nil {
		return err
	}

	if err := o.mapper.Release(id); err != nil {
		o.log.WithContainer(id).Err(err, "failed to release vmid during delete")
	}
	return o.store.Delete(id)
}

// StateView composes the persisted record with a live backend poll.
type StateView struct {
	Record *state.Record
	Live   backend.State
}

// State loads the record and reconciles it with a live backend query.
func (o *Orchestrator) State(ctx context.Context, id string) (StateView, error) {
	rec, err := o.store.Load(id)
	if err != nil {
		return StateView{}, err
	}
	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return StateView{}, err
	}
	live, err := b.State(ctx, rec.VMID)
	if err != nil {
		return StateView{}, err
	}
	return StateView{Record: rec, Live: live}, nil
}

// Exec requires the container to be running and forwards to the backend.
func (o *Orchestrator) Exec(ctx context.Context, id string, req backend.ExecRequest) (int, error) {
	rec, err := o.store.Load(id)
	if err != nil {
		return -1, err
	}
	if rec.Phase != state.PhaseRunning {
		return -1, errs.New(errs.KindStateTransition, "container %q is %s, exec requires running", id, rec.Phase)
	}
	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return -1, err
	}
	return b.Exec(ctx, rec.VMID, req)
}

// Pause requires `running` and transitions to `paused` on backend success
// (§4.1: running --pause--> paused).
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}
	if rec.Phase != state.PhaseRunning {
		return errs.New(errs.KindStateTransition, "container %q is %s, pause requires running", id, rec.Phase)
	}
	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}
	if err := b.Pause(ctx, rec.VMID); err != nil {
		return err
	}
	_, err = o.store.CompareAndSwap(id, state.PhaseRunning, func(current *state.Record) (*state.Record, error) {
		c := current.Clone()
		c.Phase = state.PhasePaused
		return c, nil
	})
	return err
}

// Resume requires `paused` and transitions back to `running`.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}
	if rec.Phase != state.PhasePaused {
		return errs.New(errs.KindStateTransition, "container %q is %s, resume requires paused", id, rec.Phase)
	}
	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}
	if err := b.Resume(ctx, rec.VMID); err != nil {
		return err
	}
	_, err = o.store.CompareAndSwap(id, state.PhasePaused, func(current *state.Record) (*state.Record, error) {
		c := current.Clone()
		c.Phase = state.PhaseRunning
		return c, nil
	})
	return err
}

// Checkpoint writes a backend-specific checkpoint image to imagePath. A
// backend that does not implement backend.Checkpointable (native CLI
// runtimes, the LXC driver as specified) reports errs.KindTranslation
// rather than a CLI usage error, matching how OCI runtimes gate the verb
// on backend support rather than rejecting it outright.
func (o *Orchestrator) Checkpoint(ctx context.Context, id, imagePath string) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}
	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}
	cp, ok := b.(backend.Checkpointable)
	if !ok {
		return errs.New(errs.KindTranslation, "checkpoint/restore not supported by backend %s", rec.Backend)
	}
	return cp.Checkpoint(ctx, rec.VMID, imagePath)
}

// Restore loads a backend-specific checkpoint image produced by Checkpoint.
func (o *Orchestrator) Restore(ctx context.Context, id, imagePath string) error {
	rec, err := o.store.Load(id)
	if err != nil {
		return err
	}
	b, err := o.router.ForTag(backendToTag(rec.Backend))
	if err != nil {
		return err
	}
	cp, ok := b.(backend.Checkpointable)
	if !ok {
		return errs.New(errs.KindTranslation, "checkpoint/restore not supported by backend %s", rec.Backend)
	}
	return cp.Restore(ctx, rec.VMID, imagePath)
}

// ListEntry is one row of `list`: a state record, a bare backend VMID with
// no matching record, or both.
type ListEntry struct {
	ID      string
	VMID    int
	Backend backend.Tag
	Phase   state.Phase
	Orphan  bool // true if found in only one of {records, backend list}
}

// List enumerates every persisted record, unions it with each registered
// backend's own listing, and flags entries present on only one side as
// orphans (§4.7).
func (o *Orchestrator) List(ctx context.Context) ([]ListEntry, error) {
	records, err := o.store.List()
	if err != nil {
		return nil, err
	}

	knownVMIDs := make(map[int]*state.Record, len(records))
	entries := make([]ListEntry, 0, len(records))
	for _, rec := range records {
		knownVMIDs[rec.VMID] = rec
		entries = append(entries, ListEntry{ID: rec.ID, VMID: rec.VMID, Backend: backendToTag(rec.Backend), Phase: rec.Phase})
	}

	listed := make(map[backend.Tag]map[int]bool)
	for _, tag := range o.router.RegisteredTags() {
		b, ok := o.router.ForTagOK(tag)
		if !ok {
			continue
		}
		vmids, err := b.List(ctx)
		if err != nil {
			o.log.WithBackend(string(tag)).Err(err, "backend list failed, skipping reconciliation against it")
			continue
		}
		listed[tag] = make(map[int]bool, len(vmids))
		for _, vmid := range vmids {
			listed[tag][vmid] = true
			if _, known := knownVMIDs[vmid]; known {
				continue
			}
			entries = append(entries, ListEntry{VMID: vmid, Backend: tag, Orphan: true})
		}
	}

	// A record whose backend listed successfully but without its VMID is
	// an orphan on the record side.
	for i := range records {
		if set, ok := listed[entries[i].Backend]; ok && !set[entries[i].VMID] {
			entries[i].Orphan = true
		}
	}

	return entries, nil
}

// Spec renders the default OCI spec skeleton to bundle/config.json, used
// by the `spec` verb.
func Spec(bundle string) error {
	return ocispec.Emit(ocispec.Default(), filepath.Join(bundle, ocispec.ConfigFileName))
}
