package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Folio - staged multi-party document authoring",
	Long: `Folio manages documents that are filled in stage by stage by a subject
and a counterparty, signed along the way and rendered to PDF once the
workflow completes.

The folio CLI scaffolds projects, validates document type bundles, inspects
documents and artifacts, and issues API tokens for the folio-server.`,
	Version: version,
	// Without a subcommand, show help rather than silently succeeding
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Errors are printed by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	defaultConfig := os.Getenv("FOLIO_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "folio.yml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to folio.yml")
}
