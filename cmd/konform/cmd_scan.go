package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	scanJSON   bool
	scanRender bool
	scanStatic bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Scan a website and print the compliance report",
	Long: `Runs all four compliance checks against the given URL. Sites that
build their DOM with JavaScript are re-rendered in headless Chrome
automatically; --static suppresses that, --render forces Chrome to be
available from the start.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Print the raw scan JSON")
	scanCmd.Flags().BoolVar(&scanRender, "render", false, "Always attach the headless browser")
	scanCmd.Flags().BoolVar(&scanStatic, "static", false, "Never escalate to the headless browser")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanRender && scanStatic {
		return fmt.Errorf("--render and --static are mutually exclusive")
	}
	withBrowser := !scanStatic

	a, err := buildApp(cmd.Context(), withBrowser)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.orch.Run(cmd.Context(), userID, args[0])
	if err != nil {
		return err
	}

	if scanJSON {
		raw, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}
	fmt.Print(renderReport(result))
	return nil
}
