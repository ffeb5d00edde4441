package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Gracefully stop a running container",
	Long: `Stop asks the backend to shut the container down within --timeout,
falling back to a forced kill if it doesn't exit in time, then persists
the stopped record and runs poststop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return orch.Stop(context.Background(), args[0], timeout)
	},
}

func init() {
	stopCmd.Flags().Duration("timeout", 10*time.Second, "grace period before escalating to a forced kill")
}
