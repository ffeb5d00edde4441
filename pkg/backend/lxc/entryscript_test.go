package lxc

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
)

func TestRenderEntryScriptBasic(t *testing.T) {
	cfg := &Config{
		EntryArgv: []string{"sh", "-c", "echo hi"},
		EntryEnv:  []string{"FOO=bar"},
		EntryCwd:  "/app",
	}
	script := cfg.RenderEntryScript()
	assert.Contains(t, script, "#!/bin/sh\n")
	assert.Contains(t, script, "export FOO='bar'")
	assert.Contains(t, script, "cd '/app'")
	assert.Contains(t, script, "exec 'sh' '-c' 'echo hi'")
}

func TestRenderEntryScriptNonRootUserUsesSetpriv(t *testing.T) {
	cfg := &Config{
		EntryArgv: []string{"sh"},
		EntryUser: specs.User{UID: 1000, GID: 1000},
	}
	script := cfg.RenderEntryScript()
	assert.Contains(t, script, "exec setpriv --reuid=1000 --regid=1000 --clear-groups 'sh'")
}

func TestRenderEntryScriptRootUserSkipsSetpriv(t *testing.T) {
	cfg := &Config{EntryArgv: []string{"sh"}}
	script := cfg.RenderEntryScript()
	assert.NotContains(t, script, "setpriv")
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestShellQuoteAssignmentOnlyQuotesValue(t *testing.T) {
	assert.Equal(t, `KEY='va'\''l'`, shellQuoteAssignment("KEY=va'l"))
}
