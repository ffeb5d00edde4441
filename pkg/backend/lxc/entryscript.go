package lxc

import (
	"fmt"
	"strconv"
	"strings"
)

// entryScriptName is the file name of the script that realizes the OCI
// process. It is written to the container's artifact directory under
// MaterializedRoot and bind-mounted read-only at the container's root,
// where lxc.init.cmd runs it as PID 1 (§4.6.2).
const entryScriptName = ".pveshim-entry.sh"

// RenderEntryScript produces a POSIX shell script that sets cwd, user,
// and environment before exec'ing the spec's argv. It is written to the
// artifact directory and bind-mounted into the container so the LXC init
// can invoke it directly.
func (c *Config) RenderEntryScript() string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -e\n")

	for _, e := range c.EntryEnv {
		b.WriteString("export ")
		b.WriteString(shellQuoteAssignment(e))
		b.WriteByte('\n')
	}

	if c.EntryCwd != "" {
		fmt.Fprintf(&b, "cd %s\n", shellQuote(c.EntryCwd))
	}

	b.WriteString("exec ")
	if c.EntryUser.UID != 0 || c.EntryUser.GID != 0 {
		b.WriteString("setpriv --reuid=" + strconv.FormatUint(uint64(c.EntryUser.UID), 10) +
			" --regid=" + strconv.FormatUint(uint64(c.EntryUser.GID), 10) + " --clear-groups ")
	}
	for i, a := range c.EntryArgv {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(a))
	}
	b.WriteByte('\n')
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellQuoteAssignment quotes only the value side of a KEY=VALUE string so
// the result is a valid `export KEY='VALUE'` statement.
func shellQuoteAssignment(kv string) string {
	idx := strings.IndexByte(kv, '=')
	if idx < 0 {
		return shellQuote(kv)
	}
	return kv[:idx] + "=" + shellQuote(kv[idx+1:])
}
