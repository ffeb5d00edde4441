package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/pveshim/pkg/backend"
)

var createCmd = &cobra.Command{
	Use:   "create <id>",
	Short: "Create a container from an OCI bundle",
	Long: `Create parses and validates <bundle>/config.json, allocates a VMID,
resolves a backend (explicit --runtime, the spec's "runtime" annotation,
an id glob pattern, or the configured default), runs the prestart and
createRuntime/createContainer hooks, and persists a "created" record.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().String("bundle", ".", "path to the OCI bundle directory")
	createCmd.Flags().String("runtime", "", "explicit backend tag (crun, lxc, vm); overrides auto-selection")
}

func runCreate(cmd *cobra.Command, args []string) error {
	id := args[0]
	bundle, _ := cmd.Flags().GetString("bundle")
	explicit, _ := cmd.Flags().GetString("runtime")

	if err := orch.Create(context.Background(), id, bundle, backend.Tag(explicit)); err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
