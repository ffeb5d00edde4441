package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List containers known to the shim",
	Long: `List unions the persisted records with each registered backend's own
listing. A VMID present in a backend but with no matching record is
printed as an orphan (e.g. left behind by a crashed delete), as is a
record whose VMID its backend's listing does not contain.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := orch.List(context.Background())
		if err != nil {
			return err
		}

		fmt.Printf("%-40s %-10s %-10s %s\n", "ID", "VMID", "BACKEND", "STATUS")
		fmt.Println(strings.Repeat("-", 75))
		for _, e := range entries {
			status := string(e.Phase)
			if e.Orphan {
				status = "orphan"
			}
			id := e.ID
			if id == "" {
				id = "-"
			}
			fmt.Printf("%-40s %-10d %-10s %s\n", id, e.VMID, e.Backend, status)
		}
		return nil
	},
}
