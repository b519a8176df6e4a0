package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"konform/internal/config"
	"konform/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool
	dbDir      string
	userID     string

	// Loaded once in PersistentPreRunE, shared by all subcommands.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "konform",
	Short: "konform - German web compliance scanner",
	Long: `konform scans websites for the four German compliance pillars:

  Impressum        TMG §5 provider identification
  Datenschutz      DSGVO Art. 13 privacy policy
  Cookies/Consent  TTDSG §25 consent management
  Barrierefreiheit BFSG / WCAG 2.1 AA accessibility

It detects third-party services, scores each pillar, applies current
court rulings, and generates remediation artifacts (Impressum template,
privacy policy sections, consent banner, CSS fixes).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Init(verbose, os.Getenv("KONFORM_LOG_FILE")); err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbDir != "" {
			cfg.Store.DBPath = filepath.Join(dbDir, "konform.db")
			cfg.Quota.DBPath = filepath.Join(dbDir, "quota.db")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (YAML); defaults apply when absent")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dbDir, "db-dir", "", "Directory for scan and quota databases")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "local", "User identity for quota accounting")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(fixesCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(quotaCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
