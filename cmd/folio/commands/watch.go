package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/internal/watch"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchType         string
	watchUntilState   string
	watchTimeout      time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch [DOCUMENT_ID]",
	Short: "Stream document activity as it happens",
	Long: `Stream document creations, saves and transitions as they are committed.

Output Formats:
  default - One human-readable line per event
  json    - Line-delimited JSON for programmatic processing

With --until-state, wait for DOCUMENT_ID to reach a state and exit.
Live events need the Redis repository.

Examples:
  folio watch
  folio watch 3f2a9c --output=json
  folio watch 3f2a9c --until-state completed --timeout 10m`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchType, "type", "", "Only events for this document type")
	watchCmd.Flags().StringVar(&watchUntilState, "until-state", "", "Exit once the document reaches this state")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 5*time.Minute, "Give up waiting for --until-state after this long")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var format watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		format = watch.OutputFormatDefault
	case "json":
		format = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	p, err := openProject(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()

	var filter watch.Filter
	if len(args) > 0 {
		if filter.DocumentID, err = p.resolve(ctx, args[0]); err != nil {
			return err
		}
	}
	filter.DocType = watchType

	if watchUntilState != "" {
		if filter.DocumentID == "" {
			return printer.Error("missing document", "--until-state needs a DOCUMENT_ID.", nil)
		}
		doc, err := watch.PollForState(ctx, p.repo, filter.DocumentID, folio.State(watchUntilState), watchTimeout)
		if err != nil {
			return printer.Error("document did not reach the state", err.Error(), nil)
		}
		printer.Success("%s reached %s (v%d)\n", doc.ID, doc.State, doc.Version)
		return nil
	}

	if p.cfg.Repository.Driver != "redis" {
		return printer.Error(
			"live events need the Redis repository",
			fmt.Sprintf("The %s repository does not publish document events.", p.cfg.Repository.Driver),
			[]string{"Wait for a state instead:\n  folio watch DOCUMENT_ID --until-state <STATE>"},
		)
	}
	opts, err := redis.ParseURL(p.cfg.Repository.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client, err := folio.NewClient(opts, p.cfg.Namespace)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	sub, err := client.SubscribeDocumentEvents(ctx)
	if err != nil {
		return printer.ErrorWithContext("subscription failed", err.Error(), map[string]string{"Redis": p.cfg.Repository.RedisURL}, nil)
	}
	defer sub.Close()

	return watch.StreamEvents(ctx, sub, filter, format, cmd.OutOrStdout())
}
