package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the remaining scan, fix and export quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		usage, err := a.ledger.UsageOf(cmd.Context(), userID)
		if err != nil {
			return err
		}

		fmt.Printf("Nutzer %s — Tarif %s — Zeitraum %s\n\n", userID, usage.Plan, usage.Period)
		fmt.Printf("  %-8s %s\n", "Scans", formatQuota(usage.ScansUsed, usage.ScanLimit))
		fmt.Printf("  %-8s %s\n", "Fixes", formatQuota(usage.FixesUsed, usage.FixLimit))
		fmt.Printf("  %-8s %s\n", "Exporte", formatQuota(usage.ExportsUsed, usage.ExportLimit))
		return nil
	},
}

func formatQuota(used, limit int) string {
	if limit < 0 {
		return fmt.Sprintf("%d von unbegrenzt", used)
	}
	return fmt.Sprintf("%d von %d (%d übrig)", used, limit, limit-used)
}
