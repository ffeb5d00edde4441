package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/pveshim/pkg/orchestrator"
)

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Generate a default config.json in the bundle directory",
	Long:  `Spec writes a minimal, valid OCI runtime spec to <bundle>/config.json, matching runc's "spec" subcommand.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle, _ := cmd.Flags().GetString("bundle")
		if err := orchestrator.Spec(bundle); err != nil {
			return err
		}
		fmt.Println("config.json")
		return nil
	},
}

func init() {
	specCmd.Flags().String("bundle", ".", "directory to write config.json into")
}
