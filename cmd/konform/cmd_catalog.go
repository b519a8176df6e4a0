package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"konform/internal/catalog"
)

var catalogJSON bool

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and validate service catalogs",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Validate a catalog file without loading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		snap, err := catalog.Parse(data)
		if err != nil {
			return err
		}
		fmt.Printf("OK: %d Dienste (Stand %s)\n", snap.Len(), snap.Updated)
		return nil
	},
}

var catalogShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the services of the active catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := catalog.NewManager(cfg.Catalog.Path)
		if err != nil {
			return err
		}
		snap := mgr.Snapshot()

		if catalogJSON {
			raw, err := json.MarshalIndent(snap.Services(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			return nil
		}

		source := cfg.Catalog.Path
		if source == "" {
			source = "eingebaut"
		}
		fmt.Printf("Katalog %s — %d Dienste (Stand %s)\n\n", source, snap.Len(), snap.Updated)
		for _, svc := range snap.Services() {
			consent := "frei"
			if svc.RequiresConsent {
				consent = "Einwilligung"
			}
			fmt.Printf("  %-28s %-14s %-12s %s\n", svc.ID, svc.Name, svc.Category, consent)
		}
		return nil
	},
}

func init() {
	catalogShowCmd.Flags().BoolVar(&catalogJSON, "json", false, "Print the services as JSON")
	catalogCmd.AddCommand(catalogValidateCmd)
	catalogCmd.AddCommand(catalogShowCmd)
}
