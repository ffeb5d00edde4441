package main

import (
	"context"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a stopped container",
	Long: `Delete requires the container to be stopped unless --force, in which
case a best-effort stop is attempted first. A failed best-effort stop does
not stop the delete; if the backend delete fails, the VMID allocation and
the state record are kept, so a failed delete is safe to retry.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return orch.Delete(context.Background(), args[0], force)
	},
}

func init() {
	deleteCmd.Flags().BoolP("force", "f", false, "stop the container first if it is still running")
}
