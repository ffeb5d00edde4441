package main

import (
	"context"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint <id>",
	Short: "Checkpoint a running container to an image directory",
	Long: `Checkpoint is accepted for every backend but only succeeds on one that
implements it; others return a Translation error naming the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath, _ := cmd.Flags().GetString("image-path")
		return orch.Checkpoint(context.Background(), args[0], imagePath)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore a container from a checkpoint image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath, _ := cmd.Flags().GetString("image-path")
		return orch.Restore(context.Background(), args[0], imagePath)
	},
}

func init() {
	checkpointCmd.Flags().String("image-path", "", "directory to write the checkpoint image to (required)")
	_ = checkpointCmd.MarkFlagRequired("image-path")
	restoreCmd.Flags().String("image-path", "", "directory containing the checkpoint image (required)")
	_ = restoreCmd.MarkFlagRequired("image-path")
}
