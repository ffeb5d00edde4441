package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/pveshim/pkg/backend"
)

var runCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Create and start a container in one step",
	Long:  `Run is create followed immediately by start, matching runc's "run" verb.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("bundle", ".", "path to the OCI bundle directory")
	runCmd.Flags().String("runtime", "", "explicit backend tag (crun, lxc, vm); overrides auto-selection")
}

func runRun(cmd *cobra.Command, args []string) error {
	id := args[0]
	bundle, _ := cmd.Flags().GetString("bundle")
	explicit, _ := cmd.Flags().GetString("runtime")

	ctx := context.Background()
	if err := orch.Create(ctx, id, bundle, backend.Tag(explicit)); err != nil {
		return err
	}
	if err := orch.Start(ctx, id); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
