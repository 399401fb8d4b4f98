package listing

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/folio/pkg/folio"
)

// OutputFormat specifies how listings are written.
type OutputFormat string

const (
	// OutputFormatDefault is a table with truncated columns
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL writes complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s (valid: default, jsonl)", s)
}

// Documents lists documents.
type Documents interface {
	ListDocuments(ctx context.Context, filter folio.ListFilter) ([]*folio.Document, error)
}

// ListDocuments fetches the documents matching c and writes them to w in
// the repository's order (oldest first).
func ListDocuments(ctx context.Context, docs Documents, c *Criteria, terminal TerminalFunc, format OutputFormat, w io.Writer) (int, error) {
	if c == nil {
		c = &Criteria{}
	}
	if err := c.Validate(); err != nil {
		return 0, err
	}
	all, err := docs.ListDocuments(ctx, c.ListFilter())
	if err != nil {
		return 0, fmt.Errorf("failed to list documents: %w", err)
	}

	var matched []*folio.Document
	for _, d := range all {
		if c.Matches(d) {
			matched = append(matched, d)
		}
	}

	switch format {
	case OutputFormatDefault:
		return FormatTable(w, matched, terminal), nil
	case OutputFormatJSONL:
		if err := FormatJSONL(w, matched); err != nil {
			return 0, fmt.Errorf("failed to format JSONL output: %w", err)
		}
		return len(matched), nil
	default:
		return 0, fmt.Errorf("unknown output format: %s", format)
	}
}
