package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/pveshim/pkg/backend"
	"github.com/cuemby/pveshim/pkg/errs"
)

var execCmd = &cobra.Command{
	Use:   "exec <id> -- <command> [args...]",
	Short: "Run a command inside a running container",
	Long: `Exec requires the container to be running and forwards argv to the
backend (pct exec for lxc, the native runtime's exec for crun/runc). The
vm backend does not support exec and returns a Translation error.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runExec,
}

func init() {
	execCmd.Flags().String("cwd", "", "working directory inside the container")
	execCmd.Flags().StringArray("env", nil, "additional KEY=VALUE environment entries")
	execCmd.Flags().String("user", "", "user to run as, uid[:gid]")
	execCmd.Flags().Bool("tty", false, "allocate a pseudo-tty")
}

func runExec(cmd *cobra.Command, args []string) error {
	dash := cmd.ArgsLenAtDash()
	if dash < 0 {
		return errs.New(errs.KindUsage, "exec requires -- before the command, e.g. pveshim exec <id> -- <cmd>")
	}
	id := args[0]
	argv := args[dash:]
	if len(argv) == 0 {
		return errs.New(errs.KindUsage, "exec requires a command after --")
	}

	cwd, _ := cmd.Flags().GetString("cwd")
	env, _ := cmd.Flags().GetStringArray("env")
	user, _ := cmd.Flags().GetString("user")
	tty, _ := cmd.Flags().GetBool("tty")

	code, err := orch.Exec(context.Background(), id, backend.ExecRequest{
		Argv:   argv,
		Env:    env,
		Cwd:    cwd,
		User:   user,
		TTY:    tty,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
