package lxc

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSeccompProfileNilWhenEmpty(t *testing.T) {
	cfg := &Config{}
	data, err := cfg.RenderSeccompProfile()
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestRenderSeccompProfileMarshalsDefaultActionAndSyscalls(t *testing.T) {
	cfg := &Config{
		SeccompDefaultAction: string(specs.ActErrno),
		SeccompSyscalls: []specs.LinuxSyscall{
			{Names: []string{"mount"}, Action: specs.ActErrno},
		},
	}
	data, err := cfg.RenderSeccompProfile()
	require.NoError(t, err)
	require.NotNil(t, data)

	var parsed struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, string(specs.ActErrno), parsed.DefaultAction)
	require.Len(t, parsed.Syscalls, 1)
	assert.Equal(t, "mount", parsed.Syscalls[0].Names[0])
}
