package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/hooks"
	"github.com/cuemby/pveshim/pkg/identity"
	"github.com/cuemby/pveshim/pkg/ocispec"
	"github.com/cuemby/pveshim/pkg/router"
	"github.com/cuemby/pveshim/pkg/state"
)

// fakeBackend is an in-memory backend.Backend whose behavior each test
// configures directly, so the orchestrator's compensation paths can be
// exercised without a real crun/pct/proxmox dependency.
type fakeBackend struct {
	tag backend.Tag

	createErr error
	startErr  error
	stopErr   error
	killErr   error
	deleteErr error
	execErr   error
	pauseErr  error
	resumeErr error
	listErr   error

	st    backend.State
	stErr error

	execCode int

	createCalls int
	deleteCalls int
	startCalls  int
}

func (f *fakeBackend) Tag() backend.Tag                          { return f.tag }
func (f *fakeBackend) Exists(context.Context, int) (bool, error) { return true, nil }
func (f *fakeBackend) Create(ctx context.Context, vmid int, spec *specs.Spec, bundle string) error {
	f.createCalls++
	return f.createErr
}
func (f *fakeBackend) Start(context.Context, int) error                  { f.startCalls++; return f.startErr }
func (f *fakeBackend) Stop(context.Context, int, time.Duration) error    { return f.stopErr }
func (f *fakeBackend) Kill(context.Context, int, string) error           { return f.killErr }
func (f *fakeBackend) Delete(context.Context, int) error                 { f.deleteCalls++; return f.deleteErr }
func (f *fakeBackend) State(context.Context, int) (backend.State, error) { return f.st, f.stErr }
func (f *fakeBackend) Exec(context.Context, int, backend.ExecRequest) (int, error) {
	return f.execCode, f.execErr
}
func (f *fakeBackend) Pause(context.Context, int) error    { return f.pauseErr }
func (f *fakeBackend) Resume(context.Context, int) error   { return f.resumeErr }
func (f *fakeBackend) List(context.Context) ([]int, error) { return nil, f.listErr }

// checkpointableBackend adds backend.Checkpointable to a fakeBackend, for
// testing the VM backend's Checkpoint/Restore type-assertion path.
type checkpointableBackend struct {
	*fakeBackend
	checkpointErr error
	restoreErr    error
}

func (c *checkpointableBackend) Checkpoint(context.Context, int, string) error {
	return c.checkpointErr
}
func (c *checkpointableBackend) Restore(context.Context, int, string) error { return c.restoreErr }

type testHarness struct {
	orch  *Orchestrator
	nat   *fakeBackend
	store *state.Store
}

func newHarness(t *testing.T, nat backend.Backend) *testHarness {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	require.NoError(t, os.Mkdir(stateDir, 0o755))

	store := state.New(stateDir, nil)
	mapper := identity.New(filepath.Join(dir, "mapping.json"), 0)

	reg := backend.NewRegistry()
	reg.Register(nat)
	rt := router.New(reg, nil, nat.Tag())

	hookExec := hooks.New(nil)
	orch := New(store, mapper, rt, hookExec, nil)

	var fb *fakeBackend
	if cb, ok := nat.(*checkpointableBackend); ok {
		fb = cb.fakeBackend
	} else {
		fb = nat.(*fakeBackend)
	}
	return &testHarness{orch: orch, nat: fb, store: store}
}

func writeBundle(t *testing.T, spec *specs.Spec) string {
	t.Helper()
	bundle := t.TempDir()
	require.NoError(t, ocispec.Emit(spec, filepath.Join(bundle, ocispec.ConfigFileName)))
	return bundle
}

func minimalSpec() *specs.Spec {
	return &specs.Spec{
		Version:  "1.0.2",
		Hostname: "c1",
		Process:  &specs.Process{Args: []string{"sh"}, Cwd: "/"},
		Root:     &specs.Root{Path: "rootfs"},
	}
}

func TestCreateAllocatesVMIDAndPersistsCreatedRecord(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())

	err := h.orch.Create(context.Background(), "c1", bundle, "")
	require.NoError(t, err)
	assert.Equal(t, 1, nat.createCalls)

	rec, err := h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseCreated, rec.Phase)
	assert.Equal(t, identity.DefaultFloor, rec.VMID)
	assert.Equal(t, state.BackendNative, rec.Backend)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())

	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	err := h.orch.Create(context.Background(), "c1", bundle, "")
	require.Error(t, err)
	assert.Equal(t, errs.KindIdConflict, errs.KindOf(err))
}

func TestCreateReleasesVMIDWhenBackendCreateFails(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, createErr: errs.New(errs.KindBackendFailure, "boom")}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())

	err := h.orch.Create(context.Background(), "c1", bundle, "")
	require.Error(t, err)
	assert.False(t, h.store.Exists("c1"))

	// the VMID must have been released, so a retry gets the same floor
	nat.createErr = nil
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	rec, err := h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, identity.DefaultFloor, rec.VMID)
}

func TestCreateRejectsMissingBundle(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)

	err := h.orch.Create(context.Background(), "c1", t.TempDir(), "")
	require.Error(t, err)
	assert.Equal(t, errs.KindSpec, errs.KindOf(err))
	assert.False(t, h.store.Exists("c1"))
}

func TestStartRequiresCreatedPhase(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, st: backend.State{Running: true, PID: 4242}}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	require.NoError(t, h.orch.Start(context.Background(), "c1"))

	err := h.orch.Start(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))
}

func TestStartTransitionsToRunningWithPID(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, st: backend.State{Running: true, PID: 4242}}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	require.NoError(t, h.orch.Start(context.Background(), "c1"))

	rec, err := h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseRunning, rec.Phase)
	assert.Equal(t, 4242, rec.PID)
	assert.NotNil(t, rec.StartedAt)
}

func TestStopFallsBackToKillOnBackendStopFailure(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, st: backend.State{Running: true, PID: 4242}, stopErr: errs.New(errs.KindBackendFailure, "stop failed")}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	require.NoError(t, h.orch.Start(context.Background(), "c1"))

	require.NoError(t, h.orch.Stop(context.Background(), "c1", time.Second))

	rec, err := h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseStopped, rec.Phase)
	assert.NotNil(t, rec.FinishedAt)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
}

func TestStopRejectsContainerNeverStarted(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	before, err := h.store.Load("c1")
	require.NoError(t, err)

	err = h.orch.Stop(context.Background(), "c1", time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))

	after, err := h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestStopRejectsAlreadyStopped(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, st: backend.State{Running: true, PID: 4242}}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	require.NoError(t, h.orch.Start(context.Background(), "c1"))
	require.NoError(t, h.orch.Stop(context.Background(), "c1", time.Second))

	err := h.orch.Stop(context.Background(), "c1", time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))
}

func TestKillRejectsContainerNeverStarted(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	before, err := h.store.Load("c1")
	require.NoError(t, err)

	err = h.orch.Kill(context.Background(), "c1", "SIGTERM")
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))

	after, err := h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestKillRejectsAlreadyStopped(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, st: backend.State{Running: true, PID: 4242}}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	require.NoError(t, h.orch.Start(context.Background(), "c1"))
	require.NoError(t, h.orch.Stop(context.Background(), "c1", time.Second))

	err := h.orch.Kill(context.Background(), "c1", "SIGKILL")
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))
}

func TestDeleteForceStopsFromCreatedPhaseViaBestEffort(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	// never started: force delete must still tear down via stopBackend,
	// not the phase-gated public Stop.
	require.NoError(t, h.orch.Delete(context.Background(), "c1", true))
	assert.False(t, h.store.Exists("c1"))
}

func TestDeleteRequiresStoppedUnlessForced(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	err := h.orch.Delete(context.Background(), "c1", false)
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))

	require.NoError(t, h.orch.Delete(context.Background(), "c1", true))
	assert.False(t, h.store.Exists("c1"))
	assert.Equal(t, 1, nat.deleteCalls)
}

func TestDeleteRemovesBackendAndState(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, st: backend.State{Running: true, PID: 4242}}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	require.NoError(t, h.orch.Start(context.Background(), "c1"))
	require.NoError(t, h.orch.Stop(context.Background(), "c1", time.Second))

	require.NoError(t, h.orch.Delete(context.Background(), "c1", false))
	assert.False(t, h.store.Exists("c1"))
	assert.Equal(t, 1, nat.deleteCalls)
}

func TestExecRequiresRunning(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	_, err := h.orch.Exec(context.Background(), "c1", backend.ExecRequest{Argv: []string{"true"}})
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))
}

func TestExecForwardsToBackendWhenRunning(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative, st: backend.State{Running: true, PID: 4242}, execCode: 7}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	require.NoError(t, h.orch.Start(context.Background(), "c1"))

	code, err := h.orch.Exec(context.Background(), "c1", backend.ExecRequest{Argv: []string{"true"}})
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestPauseAndResumeRoundTrip(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))
	require.NoError(t, h.orch.Start(context.Background(), "c1"))

	require.NoError(t, h.orch.Pause(context.Background(), "c1"))
	rec, err := h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, state.PhasePaused, rec.Phase)

	require.NoError(t, h.orch.Resume(context.Background(), "c1"))
	rec, err = h.store.Load("c1")
	require.NoError(t, err)
	assert.Equal(t, state.PhaseRunning, rec.Phase)
}

func TestPauseRejectsWhenNotRunning(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	err := h.orch.Pause(context.Background(), "c1")
	require.Error(t, err)
	assert.Equal(t, errs.KindStateTransition, errs.KindOf(err))
}

func TestCheckpointUnsupportedByPlainBackend(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	err := h.orch.Checkpoint(context.Background(), "c1", "/tmp/img")
	require.Error(t, err)
	assert.Equal(t, errs.KindTranslation, errs.KindOf(err))
}

func TestCheckpointAndRestoreViaCheckpointableBackend(t *testing.T) {
	cb := &checkpointableBackend{fakeBackend: &fakeBackend{tag: backend.TagVm}}
	h := newHarness(t, cb)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	require.NoError(t, h.orch.Checkpoint(context.Background(), "c1", "/tmp/img"))
	require.NoError(t, h.orch.Restore(context.Background(), "c1", "/tmp/img"))
}

func TestListUnionsRecordsAndOrphanedBackendEntries(t *testing.T) {
	nat := &fakeBackend{tag: backend.TagNative}
	h := newHarness(t, nat)
	bundle := writeBundle(t, minimalSpec())
	require.NoError(t, h.orch.Create(context.Background(), "c1", bundle, ""))

	rec, err := h.store.Load("c1")
	require.NoError(t, err)
	orphanVMID := rec.VMID + 1
	nat.st = backend.State{}

	// simulate an orphaned backend entry not present in knownVMIDs
	listStub := &listOverride{fakeBackend: nat, ids: []int{rec.VMID, orphanVMID}}
	h.orch.router = router.New(func() *backend.Registry {
		reg := backend.NewRegistry()
		reg.Register(listStub)
		return reg
	}(), nil, backend.TagNative)

	entries, err := h.orch.List(context.Background())
	require.NoError(t, err)

	var sawKnown, sawOrphan bool
	for _, e := range entries {
		if e.VMID == rec.VMID && !e.Orphan {
			sawKnown = true
		}
		if e.VMID == orphanVMID && e.Orphan {
			sawOrphan = true
		}
	}
	assert.True(t, sawKnown)
	assert.True(t, sawOrphan)
}

// listOverride wraps a fakeBackend to report a fixed VMID list, used only
// by TestListUnionsRecordsAndOrphanedBackendEntries.
type listOverride struct {
	*fakeBackend
	ids []int
}

func (l *listOverride) List(context.Context) ([]int, error) { return l.ids, nil }

func TestSpecWritesDefaultConfig(t *testing.T) {
	bundle := t.TempDir()
	require.NoError(t, Spec(bundle))
	_, err := ocispec.Parse(bundle)
	require.NoError(t, err)
}
