package commands

import (
	"fmt"
	"sort"

	"github.com/dyluth/folio/internal/doctype"
	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/spf13/cobra"
)

var doctypesCmd = &cobra.Command{
	Use:   "doctypes",
	Short: "Inspect and validate document type bundles",
}

var doctypesValidateCmd = &cobra.Command{
	Use:   "validate [DIR]",
	Short: "Validate every bundle below the document types directory",
	Long: `Validate every *.yml / *.yaml bundle below DIR (default: the doctypes
directory of folio.yml). Checks the workflow definition, the field schema and
that the template only places known fields and signature slots.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDoctypesValidate,
}

var doctypesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered document types",
	Args:  cobra.NoArgs,
	RunE:  runDoctypesList,
}

var doctypesShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show the workflow of a document type",
	Args:  cobra.ExactArgs(1),
	RunE:  runDoctypesShow,
}

func init() {
	doctypesCmd.AddCommand(doctypesValidateCmd, doctypesListCmd, doctypesShowCmd)
	rootCmd.AddCommand(doctypesCmd)
}

// bundleDir returns DIR from args, else the directory configured in folio.yml.
func bundleDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return docTypesDir(cfg), nil
}

func runDoctypesValidate(cmd *cobra.Command, args []string) error {
	dir, err := bundleDir(args)
	if err != nil {
		return err
	}
	types, err := doctype.LoadDir(dir)
	if err != nil {
		return printer.ErrorWithContext("document types are invalid", err.Error(), map[string]string{"Directory": dir}, nil)
	}
	if len(types) == 0 {
		printer.Warning("no bundles found in %s\n", dir)
		return nil
	}
	printer.Success("%d document type(s) valid in %s\n", len(types), dir)
	return nil
}

func loadTypes() ([]*doctype.Type, error) {
	dir, err := bundleDir(nil)
	if err != nil {
		return nil, err
	}
	reg, err := doctype.NewRegistry(dir)
	if err != nil {
		return nil, printer.ErrorWithContext("document types are invalid", err.Error(), map[string]string{"Directory": dir}, nil)
	}
	return reg.List(), nil
}

func runDoctypesList(cmd *cobra.Command, args []string) error {
	types, err := loadTypes()
	if err != nil {
		return err
	}
	if len(types) == 0 {
		printer.Info("No document types found\n")
		return nil
	}
	printer.Info("%-24s %-32s %-7s %s\n", "NAME", "TITLE", "ROUNDS", "SOURCE")
	for _, t := range types {
		printer.Info("%-24s %-32s %-7d %s\n", t.Name, t.Title, t.Workflow.Rounds, t.Source)
	}
	return nil
}

func runDoctypesShow(cmd *cobra.Command, args []string) error {
	types, err := loadTypes()
	if err != nil {
		return err
	}
	var t *doctype.Type
	for _, candidate := range types {
		if candidate.Name == args[0] {
			t = candidate
		}
	}
	if t == nil {
		return printer.Error(fmt.Sprintf("document type '%s' not found", args[0]), "", []string{"List document types:\n  folio doctypes list"})
	}

	def := &t.Workflow
	printer.Info("%s (%s)\n", t.Title, t.Name)
	printer.Info("  Initial:  %s\n  Terminal: %s\n", def.Initial, def.Terminal)
	if def.Rounds > 0 {
		printer.Info("  Rounds:   %d\n", def.Rounds)
	}
	printer.Info("\nStates:\n")
	for _, s := range def.States {
		if s.Name == def.Terminal {
			printer.Info("  %s\n", printer.State(s.Name, true))
			continue
		}
		printer.Info("  %s [%s]\n", printer.State(s.Name, false), s.Role)
		actions := make([]string, 0, len(s.Transitions))
		for action := range s.Transitions {
			actions = append(actions, string(action))
		}
		sort.Strings(actions)
		for _, a := range actions {
			printer.Info("    %-10s → %s\n", a, s.Transitions[folio.Action(a)])
		}
		if s.Round != nil {
			printer.Info("    %-10s → %s (next round) / %s\n", "submit", s.Round.Repeat, s.Round.Exit)
		}
		if len(s.Required) > 0 {
			printer.Info("    %s %v\n", printer.Dim("requires"), s.Required)
		}
		if len(s.Signatures) > 0 {
			printer.Info("    %s %v\n", printer.Dim("signs"), s.Signatures)
		}
	}
	for _, r := range def.Reopens {
		printer.Info("  %s: %s → %s by %s (artifact %q)\n", r.Action, r.From, r.To, r.Role, r.Category)
	}
	return nil
}
