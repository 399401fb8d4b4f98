package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/folio/internal/listing"
	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/spf13/cobra"
)

var (
	listOutputFormat string
	listSince        string
	listUntil        string
	listType         string
	listState        string
	listOrg          string
	listSubject      string

	showJSON bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents with filtering",
	Long: `List documents as a table or a JSONL stream.

Time Filters (on the last update):
  --since  - Updated after this time
  --until  - Updated before this time

Content Filters:
  --type     - Document type (glob pattern: "training-*")
  --state    - Exact workflow state
  --org      - Organization
  --subject  - Subject identity

Examples:
  # Documents waiting on a counterparty
  folio list --state plan_counterparty

  # Everything touched in the last two hours, for jq
  folio list --since 2h --output jsonl | jq .id`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var showCmd = &cobra.Command{
	Use:   "show DOCUMENT_ID",
	Short: "Show one document with its signatures and artifacts",
	Long: `Show one document. DOCUMENT_ID may be a unique prefix of at least 6
characters.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts DOCUMENT_ID",
	Short: "List the published artifacts of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifacts,
}

func init() {
	listCmd.Flags().StringVarP(&listOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	listCmd.Flags().StringVar(&listSince, "since", "", "Updated after time (duration, date or RFC3339)")
	listCmd.Flags().StringVar(&listUntil, "until", "", "Updated before time (duration, date or RFC3339)")
	listCmd.Flags().StringVar(&listType, "type", "", "Filter by document type (glob pattern)")
	listCmd.Flags().StringVar(&listState, "state", "", "Filter by workflow state")
	listCmd.Flags().StringVar(&listOrg, "org", "", "Filter by organization")
	listCmd.Flags().StringVar(&listSubject, "subject", "", "Filter by subject")

	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the full view as JSON")

	rootCmd.AddCommand(listCmd, showCmd, artifactsCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := listing.ParseFormat(listOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}
	criteria := &listing.Criteria{
		DocTypeGlob: listType,
		State:       folio.State(listState),
		OrgID:       listOrg,
		SubjectID:   listSubject,
	}
	if err := criteria.ParseRange(listSince, listUntil, time.Now()); err != nil {
		return printer.Error("invalid filter", err.Error(), []string{"Use a duration like '1h30m', a date like '2024-05-01' or RFC3339"})
	}

	p, err := openProject(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := listing.ListDocuments(ctx, p.repo, criteria, p.terminalFunc(), format, cmd.OutOrStdout()); err != nil {
		return printer.Error("failed to list documents", err.Error(), nil)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := openProject(ctx, true)
	if err != nil {
		return err
	}
	defer p.Close()

	id, err := p.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	view, err := p.svc.Get(ctx, id)
	if err != nil {
		return fail("failed to load document", id, err)
	}

	if showJSON {
		return listing.FormatSingleJSON(cmd.OutOrStdout(), view)
	}

	var labels map[string]string
	terminal := false
	if t, ok := p.types.Get(view.Document.DocType); ok {
		labels = make(map[string]string, len(view.Document.Fields))
		for name := range view.Document.Fields {
			labels[name] = t.LabelFor(name)
		}
		terminal = t.Workflow.Terminal == view.Document.State
	}
	listing.FormatView(cmd.OutOrStdout(), view, labels, terminal)
	return nil
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	p, err := openProject(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()

	id, err := p.resolve(ctx, args[0])
	if err != nil {
		return err
	}
	rows, err := p.repo.Artifacts(ctx, id)
	if err != nil {
		return fail("failed to list artifacts", id, err)
	}
	printer.Info("Artifacts for %s:\n\n", listing.ShortID(id))
	listing.FormatArtifacts(cmd.OutOrStdout(), rows)
	if len(rows) > 0 {
		printer.Info("\n%s\n", fmt.Sprintf("Download with: folio render %s --category <CATEGORY> --from-catalog", listing.ShortID(id)))
	}
	return nil
}
