// Command pveshim is an OCI runtime shim that realizes containers as
// Proxmox LXC containers or qemu VMs instead of native Linux namespaces,
// selecting among them, the native crun/runc backend, and persisting
// lifecycle state one JSON file per container (§3-§4).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/pveshim/pkg/errs"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pveshim: %v\n", err)
		os.Exit(errs.KindOf(err).ExitCode())
	}
}

var rootCmd = &cobra.Command{
	Use:   "pveshim",
	Short: "OCI runtime shim backed by Proxmox LXC and qemu",
	Long: `pveshim implements the OCI runtime command surface (create, start,
kill, delete, state, ...) but realizes each container against a Proxmox
VE host: as an LXC container via pct(8), as a qemu VM via the Proxmox
API, or as a native crun/runc container, chosen per container at
create time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("root", "", "shim state directory (overrides config/env)")
	rootCmd.PersistentFlags().String("log", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: text, json")
	rootCmd.PersistentFlags().Bool("debug", false, "shorthand for --log debug")
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")

	cobra.OnInitialize(initApp)

	rootCmd.AddCommand(
		createCmd,
		startCmd,
		runCmd,
		stopCmd,
		killCmd,
		pauseCmd,
		resumeCmd,
		deleteCmd,
		stateCmd,
		execCmd,
		listCmd,
		specCmd,
		checkpointCmd,
		restoreCmd,
	)
}
