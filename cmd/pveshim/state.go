package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state <id>",
	Short: "Print the lifecycle state of a container",
	Long: `State loads the persisted record and reconciles it with a live
backend query, printing the OCI-shaped result as JSON on stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := orch.State(context.Background(), args[0])
		if err != nil {
			return err
		}

		out := struct {
			ID          string            `json:"id"`
			VMID        int               `json:"vmid"`
			Backend     string            `json:"backend"`
			Bundle      string            `json:"bundle"`
			Status      string            `json:"status"`
			PID         int               `json:"pid,omitempty"`
			Running     bool              `json:"running"`
			Paused      bool              `json:"paused"`
			ExitCode    *int              `json:"exit_code,omitempty"`
			Annotations map[string]string `json:"annotations,omitempty"`
		}{
			ID:          view.Record.ID,
			VMID:        view.Record.VMID,
			Backend:     string(view.Record.Backend),
			Bundle:      view.Record.BundlePath,
			Status:      string(view.Record.Phase),
			PID:         view.Live.PID,
			Running:     view.Live.Running,
			Paused:      view.Live.Paused,
			ExitCode:    view.Live.ExitCode,
			Annotations: view.Record.Annotations,
		}

		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}
