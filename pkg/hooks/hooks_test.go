package hooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	return Context{ContainerID: "c1", Bundle: "/bundle/c1", State: `{"status":"creating"}`}
}

func TestRequiredStagesExceptPoststop(t *testing.T) {
	assert.True(t, Required(StagePrestart))
	assert.True(t, Required(StageCreateRuntime))
	assert.True(t, Required(StageCreateContainer))
	assert.True(t, Required(StageStartContainer))
	assert.True(t, Required(StagePoststart))
	assert.False(t, Required(StagePoststop))
}

func TestRunSucceedsWithPassingHook(t *testing.T) {
	e := New(nil)
	hookList := []specs.Hook{{Path: "/bin/true"}}
	err := e.Run(context.Background(), StagePrestart, hookList, testContext())
	require.NoError(t, err)
}

func TestRunAbortsOnRequiredStageFailure(t *testing.T) {
	e := New(nil)
	hookList := []specs.Hook{{Path: "/bin/false"}}
	err := e.Run(context.Background(), StagePrestart, hookList, testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HookFailure")
}

func TestRunStopsAtFirstFailureInRequiredStage(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")

	e := New(nil)
	hookList := []specs.Hook{
		{Path: "/bin/false"},
		{Path: "/usr/bin/touch", Args: []string{marker}},
	}
	err := e.Run(context.Background(), StagePrestart, hookList, testContext())
	require.Error(t, err)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "hook after the failing one must not run")
}

func TestRunFoldsOptionalPoststopFailures(t *testing.T) {
	e := New(nil)
	hookList := []specs.Hook{{Path: "/bin/false"}, {Path: "/bin/true"}}
	err := e.Run(context.Background(), StagePoststop, hookList, testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HookFailure")
	assert.Contains(t, err.Error(), "1 optional")
}

func TestRunTimesOutSlowHook(t *testing.T) {
	e := New(nil)
	oneSecond := 1
	hookList := []specs.Hook{{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}, Timeout: &oneSecond}}

	err := e.Run(context.Background(), StagePrestart, hookList, testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestVectorSelectsStage(t *testing.T) {
	h := &specs.Hooks{
		Prestart:  []specs.Hook{{Path: "/bin/true"}},
		Poststart: []specs.Hook{{Path: "/bin/false"}},
	}
	assert.Len(t, Vector(h, StagePrestart), 1)
	assert.Len(t, Vector(h, StagePoststart), 1)
	assert.Len(t, Vector(h, StagePoststop), 0)
	assert.Nil(t, Vector(nil, StagePrestart))
}
