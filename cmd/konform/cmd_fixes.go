package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"konform/internal/report"
	"konform/internal/scan"
)

var (
	fixIssues  []string
	fixCompany string
	fixOutDir  string
)

var fixesCmd = &cobra.Command{
	Use:   "fixes <scan-id>",
	Short: "Generate remediation artifacts for a finished scan",
	Long: `Generates fixes for the scan's findings: an Impressum template,
privacy policy sections, a consent banner bundle, CSS corrections.
Company data fills the templates; fields left empty become marked
placeholders in the output.

The company file is YAML:

  name: Beispiel GmbH
  legal_form: GmbH
  street: Hauptstraße 12
  zip: "10115"
  city: Berlin
  email: info@beispiel.de`,
	Args: cobra.ExactArgs(1),
	RunE: runFixes,
}

func init() {
	fixesCmd.Flags().StringSliceVar(&fixIssues, "issues", nil, "Issue IDs to fix (default: all fixable)")
	fixesCmd.Flags().StringVar(&fixCompany, "company", "", "Company data YAML file")
	fixesCmd.Flags().StringVar(&fixOutDir, "out", "konform-fixes", "Output directory for generated files")
}

func runFixes(cmd *cobra.Command, args []string) error {
	company, err := loadCompany(fixCompany)
	if err != nil {
		return err
	}

	a, err := buildApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	bundle, err := a.fixer.Generate(cmd.Context(), scan.FixRequest{
		UserID:   userID,
		ScanID:   args[0],
		IssueIDs: fixIssues,
		Company:  company,
	})
	if err != nil && (bundle == nil || len(bundle.Fixes) == 0) {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warnung: nur ein Teil der Fixes wurde erzeugt (%v)\n", err)
	}
	if bundle.Cached {
		fmt.Println("Identische Anfrage bereits beantwortet, gespeicherte Fixes werden verwendet.")
	}

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))

	for _, fx := range bundle.Fixes {
		fmt.Printf("\n%s\n", titleStyle.Render(fx.Title))
		if !fx.Validated && len(fx.Files) > 0 {
			fmt.Println(mutedStyle.Render("  (nicht validiert, bitte prüfen)"))
		}
		for _, file := range fx.Files {
			path := filepath.Join(fixOutDir, file.Path)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(file.Content), 0o644); err != nil {
				return err
			}
			fmt.Printf("  geschrieben: %s\n", path)
		}
		if fx.Guide != "" {
			out := fx.Guide
			if renderer != nil {
				if rendered, err := renderer.Render(fx.Guide); err == nil {
					out = rendered
				}
			}
			fmt.Println(strings.TrimRight(out, "\n"))
		}
	}
	fmt.Printf("\n%d Fixes erzeugt (Schlüssel %s).\n", len(bundle.Fixes), bundle.Key)
	return nil
}

// loadCompany reads the company YAML. The file uses the same snake_case
// field names as the JSON API, so the bytes go through an intermediate
// map and the JSON decoder.
func loadCompany(path string) (report.CompanyInfo, error) {
	var info report.CompanyInfo
	if path == "" {
		return info, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	var fields map[string]interface{}
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return info, fmt.Errorf("parsing %s: %w", path, err)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, fmt.Errorf("company data in %s: %w", path, err)
	}
	return info, nil
}
