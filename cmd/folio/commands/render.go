package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dyluth/folio/internal/listing"
	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/internal/workflow"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/spf13/cobra"
)

var (
	renderOutput      string
	renderCategory    string
	renderFromCatalog bool
	renderPublish     bool
	renderAs          string
)

var renderCmd = &cobra.Command{
	Use:   "render DOCUMENT_ID",
	Short: "Render a document to PDF",
	Long: `Render a document to a PDF file.

By default the current saved state is rendered as a preview; nothing is
published. With --from-catalog the current published artifact of --category
is downloaded instead. With --publish the document is re-rendered and
published to the catalog as an admin, which requires a render-eligible state.

Examples:
  # Preview an in-progress document
  folio render 3f2a9c -o draft.pdf

  # Download the latest published artifact
  folio render 3f2a9c --from-catalog --category Generated

  # Re-render after a template fix
  folio render 3f2a9c --publish --category Corrected`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Output file (default: <id>-<category|preview>.pdf)")
	renderCmd.Flags().StringVar(&renderCategory, "category", "", "Artifact category (default: the document type's default category)")
	renderCmd.Flags().BoolVar(&renderFromCatalog, "from-catalog", false, "Download the published artifact instead of rendering")
	renderCmd.Flags().BoolVar(&renderPublish, "publish", false, "Re-render and publish to the catalog")
	renderCmd.Flags().StringVar(&renderAs, "as", "folio-cli", "Admin identity recorded on published artifacts")
	renderCmd.MarkFlagsMutuallyExclusive("from-catalog", "publish")
	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
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
	category := renderCategory
	if category == "" && (renderFromCatalog || renderPublish) {
		category = workflow.DefaultCategory
		doc, err := p.svc.Document(ctx, id)
		if err != nil {
			return fail("failed to load document", id, err)
		}
		if t, ok := p.types.Get(doc.DocType); ok {
			category = t.Workflow.DefaultCategory
		}
	}

	var data []byte
	switch {
	case renderPublish:
		actor := folio.Actor{ID: renderAs, Role: folio.RoleAdmin}
		resp, err := p.svc.Regenerate(ctx, actor, id, category)
		if err != nil {
			return fail("render failed", id, err)
		}
		printer.Success("%s\n", resp.Message)
		printer.Info("  Artifact: %s\n", resp.Artifact)
		if renderOutput == "" {
			return nil
		}
		_, data, err = p.svc.Artifact(ctx, id, category)
		if err != nil {
			return fail("failed to read published artifact", id, err)
		}

	case renderFromCatalog:
		a, content, err := p.svc.Artifact(ctx, id, category)
		if err != nil {
			if folio.IsNotFound(err) {
				return printer.Error(
					fmt.Sprintf("no %s artifact for %s", category, listing.ShortID(id)),
					"The document has no published artifact in that category.",
					[]string{fmt.Sprintf("List artifacts:\n  folio artifacts %s", listing.ShortID(id))},
				)
			}
			return fail("failed to read artifact", id, err)
		}
		printer.Step("Downloading %s\n", a.Path)
		data = content

	default:
		res, err := p.svc.Preview(ctx, id)
		if err != nil {
			return fail("render failed", id, err)
		}
		for _, problem := range res.Problems {
			printer.Warning("%v\n", problem)
		}
		category = "preview"
		data = res.Bytes
	}

	out := renderOutput
	if out == "" {
		out = fmt.Sprintf("%s-%s.pdf", listing.ShortID(id), category)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return printer.Error("failed to write PDF", err.Error(), nil)
	}
	printer.Success("Wrote %s (%d bytes)\n", out, len(data))
	return nil
}
