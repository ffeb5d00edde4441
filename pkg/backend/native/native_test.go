package native

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/pveshim/pkg/backend"
)

// writeFakeRuntime drops an executable shell script standing in for
// crun/runc. body receives the shell source following the shebang line.
func writeFakeRuntime(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-runtime")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestNewDefaultsBinaryToCrun(t *testing.T) {
	r := New("", "/var/lib/pveshim/native", false, false, nil)
	assert.Equal(t, "crun", r.Binary)
	assert.Equal(t, backend.TagNative, r.Tag())
}

func TestContainerIDIsStringifiedVMID(t *testing.T) {
	r := New("crun", "/root", false, false, nil)
	assert.Equal(t, "101", r.containerID(101))
}

func TestExistsTrueWhenStateSucceeds(t *testing.T) {
	bin := writeFakeRuntime(t, `exit 0`)
	r := New(bin, t.TempDir(), false, false, nil)
	ok, err := r.Exists(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExistsFalseWhenStateFails(t *testing.T) {
	bin := writeFakeRuntime(t, `exit 1`)
	r := New(bin, t.TempDir(), false, false, nil)
	ok, err := r.Exists(context.Background(), 101)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreatePassesNoPivotAndNoNewKeyringFlags(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := writeFakeRuntime(t, fmt.Sprintf(`echo "$@" > %s`, argsFile))
	r := New(bin, t.TempDir(), true, true, nil)

	err := r.Create(context.Background(), 101, nil, "/bundle")
	require.NoError(t, err)

	got, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	line := string(got)
	assert.Contains(t, line, "create --bundle /bundle")
	assert.Contains(t, line, "--no-new-keyring")
	assert.Contains(t, line, "--no-pivot")
	assert.Contains(t, line, "101")
}

func TestCreateWrapsFailureWithStderr(t *testing.T) {
	bin := writeFakeRuntime(t, `echo boom 1>&2; exit 1`)
	r := New(bin, t.TempDir(), false, false, nil)

	err := r.Create(context.Background(), 101, nil, "/bundle")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestStateParsesRunningStatus(t *testing.T) {
	bin := writeFakeRuntime(t, `echo '{"status":"running","pid":4242}'`)
	r := New(bin, t.TempDir(), false, false, nil)

	st, err := r.State(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.False(t, st.Paused)
	assert.Equal(t, 4242, st.PID)
	assert.Nil(t, st.ExitCode)
}

func TestStateParsesPausedStatus(t *testing.T) {
	bin := writeFakeRuntime(t, `echo '{"status":"paused","pid":4242}'`)
	r := New(bin, t.TempDir(), false, false, nil)

	st, err := r.State(context.Background(), 101)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.Paused)
}

func TestStateParsesStoppedStatus(t *testing.T) {
	bin := writeFakeRuntime(t, `echo '{"status":"stopped","pid":0}'`)
	r := New(bin, t.TempDir(), false, false, nil)

	st, err := r.State(context.Background(), 101)
	require.NoError(t, err)
	assert.False(t, st.Running)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
}

func TestStateRejectsMalformedJSON(t *testing.T) {
	bin := writeFakeRuntime(t, `echo 'not json'`)
	r := New(bin, t.TempDir(), false, false, nil)

	_, err := r.State(context.Background(), 101)
	require.Error(t, err)
}

func TestExecReturnsExitCodeOfFailingCommandWithoutError(t *testing.T) {
	bin := writeFakeRuntime(t, `exit 3`)
	r := New(bin, t.TempDir(), false, false, nil)

	code, err := r.Exec(context.Background(), 101, backend.ExecRequest{Argv: []string{"echo", "hi"}})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestExecReturnsErrorWhenRuntimeBinaryMissing(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist"), t.TempDir(), false, false, nil)

	code, err := r.Exec(context.Background(), 101, backend.ExecRequest{Argv: []string{"echo", "hi"}})
	require.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestExecPassesCwdEnvAndArgvAfterDoubleDash(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := writeFakeRuntime(t, fmt.Sprintf(`echo "$@" > %s`, argsFile))
	r := New(bin, t.TempDir(), false, false, nil)

	req := backend.ExecRequest{Argv: []string{"echo", "hi"}}
	req.Cwd = "/app"
	req.Env = []string{"FOO=bar"}

	_, err := r.Exec(context.Background(), 101, req)
	require.NoError(t, err)

	got, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	line := string(got)
	assert.Contains(t, line, "--cwd /app")
	assert.Contains(t, line, "--env FOO=bar")
	assert.Contains(t, line, "-- echo hi")
}

func TestExecStreamsToProvidedStdioInsteadOfDiscarding(t *testing.T) {
	bin := writeFakeRuntime(t, `cat; echo err 1>&2`)
	r := New(bin, t.TempDir(), false, false, nil)

	var out, errBuf bytes.Buffer
	req := backend.ExecRequest{
		Argv:   []string{"cat"},
		Stdin:  strings.NewReader("hello"),
		Stdout: &out,
		Stderr: &errBuf,
	}
	code, err := r.Exec(context.Background(), 101, req)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello", out.String())
	assert.Equal(t, "err\n", errBuf.String())
}

func TestListParsesJSONIDsAndSkipsNonNumeric(t *testing.T) {
	bin := writeFakeRuntime(t, `echo '[{"id":"101"},{"id":"oops"},{"id":"102"}]'`)
	r := New(bin, t.TempDir(), false, false, nil)

	ids, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{101, 102}, ids)
}

func TestPauseAndResumeWrapFailures(t *testing.T) {
	bin := writeFakeRuntime(t, `exit 1`)
	r := New(bin, t.TempDir(), false, false, nil)

	require.Error(t, r.Pause(context.Background(), 101))
	require.Error(t, r.Resume(context.Background(), 101))
}
