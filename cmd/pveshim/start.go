package main

import (
	"context"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start a previously created container",
	Long: `Start runs the startContainer hook, invokes the backend's start, and
on success transitions the record to "running" and runs poststart. Only
valid from "created".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return orch.Start(context.Background(), args[0])
	},
}
