package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var killCmd = &cobra.Command{
	Use:   "kill <id> [signal]",
	Short: "Send a signal to a running container",
	Long: `Kill forwards signal (default SIGTERM) to the backend. SIGKILL and
SIGTERM additionally commit a stopped record and run poststop; any other
signal is delivered without a state transition.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		signal := "SIGTERM"
		if len(args) == 2 {
			signal = normalizeSignal(args[1])
		}
		return orch.Kill(context.Background(), args[0], signal)
	},
}

// normalizeSignal accepts both "KILL" and "SIGKILL" spellings, matching
// how runc and docker kill both tolerate either form.
func normalizeSignal(s string) string {
	s = strings.ToUpper(s)
	if !strings.HasPrefix(s, "SIG") {
		s = "SIG" + s
	}
	return s
}
