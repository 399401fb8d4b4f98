package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/internal/scaffold"
	"github.com/spf13/cobra"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init [DIR]",
	Short: "Initialize a new Folio project",
	Long: `Initialize a new Folio project with a default configuration and an
example document type.

Creates:
  • folio.yml - Project configuration file
  • doctypes/training-plan.yml - Example two-party document type

Use --force to reinitialize an existing project (WARNING: destroys existing configuration).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force reinitialization (removes existing folio.yml and doctypes/)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}

	if !forceInit {
		var existing *scaffold.ExistingError
		if err := scaffold.CheckExisting(dir); errors.As(err, &existing) {
			return printer.Error(
				"project already initialized",
				fmt.Sprintf("Found existing: %s", strings.Join(existing.Files, ", ")),
				[]string{"Use 'folio init --force' to reinitialize (this will overwrite existing configuration)"},
			)
		}
	}

	if err := scaffold.Initialize(dir, forceInit); err != nil {
		return printer.Error("initialization failed", err.Error(), nil)
	}

	scaffold.PrintSuccess()
	return nil
}
