package listing

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/folio/internal/engine"
	"github.com/dyluth/folio/internal/fields"
	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/pkg/folio"
)

// TerminalFunc reports whether a state is the terminal state of a document
// type. Nil treats every state as open.
type TerminalFunc func(docType string, state folio.State) bool

// Now is the reference time for relative ages.
var Now = time.Now

// FormatTable writes documents as a table and returns how many it wrote.
func FormatTable(w io.Writer, docs []*folio.Document, terminal TerminalFunc) int {
	if len(docs) == 0 {
		fmt.Fprintln(w, "No documents found")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-20s %-20s %-5s %-5s %-16s %s\n",
		"ID", "TYPE", "STATE", "ROUND", "VER", "SUBJECT", "UPDATED")
	fmt.Fprintf(w, "%-10s %-20s %-20s %-5s %-5s %-16s %s\n",
		"----------", "--------------------", "--------------------", "-----", "-----", "----------------", "--------")

	for _, d := range docs {
		done := terminal != nil && terminal(d.DocType, d.State)
		// Pad before coloring so escape codes do not break the columns
		state := printer.State(folio.State(fmt.Sprintf("%-20s", truncate(string(d.State), 20))), done)
		fmt.Fprintf(w, "%-10s %-20s %s %-5s %-5d %-16s %s\n",
			ShortID(d.ID),
			truncate(d.DocType, 20),
			state,
			formatRound(d.Round),
			d.Version,
			truncate(d.SubjectID, 16),
			formatAge(d.UpdatedAtMs),
		)
	}

	noun := "document"
	if len(docs) != 1 {
		noun = "documents"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(docs), noun)
	return len(docs)
}

// FormatJSONL writes each value as a single line of JSON.
func FormatJSONL[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// FormatView writes a human-readable summary of one document. labels maps
// field names to display labels.
func FormatView(w io.Writer, v *engine.View, labels map[string]string, terminal bool) {
	d := v.Document
	fmt.Fprintf(w, "Document %s\n", d.ID)
	fmt.Fprintf(w, "  Type:     %s\n", d.DocType)
	fmt.Fprintf(w, "  State:    %s", printer.State(d.State, terminal))
	if d.Round > 0 {
		fmt.Fprintf(w, " (round %d of %d)", d.Round, max(d.Rounds, d.Round))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Subject:  %s\n", d.SubjectID)
	if d.OrgID != "" {
		fmt.Fprintf(w, "  Org:      %s\n", d.OrgID)
	}
	fmt.Fprintf(w, "  Version:  %d (updated %s by %s)\n", d.Version, formatAge(d.UpdatedAtMs), d.UpdatedBy)
	if v.AuthorizedRole != "" {
		fmt.Fprintf(w, "  Next:     %s\n", v.AuthorizedRole)
	}
	if d.PendingCategory != "" {
		fmt.Fprintf(w, "  Pending:  %s\n", d.PendingCategory)
	}

	if len(d.Fields) > 0 {
		fmt.Fprintln(w, "\nFields:")
		names := make([]string, 0, len(d.Fields))
		for name := range d.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			label := name
			if l, ok := labels[name]; ok && l != "" {
				label = l
			}
			fmt.Fprintf(w, "  %-28s %s\n", truncate(label, 28), firstLine(fields.Format(d.Fields[name]), 48))
		}
	}

	if len(v.Signatures) > 0 {
		fmt.Fprintln(w, "\nSignatures:")
		keys := make([]string, 0, len(v.Signatures))
		for k := range v.Signatures {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := v.Signatures[k]
			fmt.Fprintf(w, "  %-28s %s %s\n", k, s.CapturedBy, printer.Dim(formatAge(s.CapturedAtMs)))
		}
	}

	if len(v.Required.Fields)+len(v.Required.Signatures) > 0 {
		fmt.Fprintln(w, "\nStill required:")
		for _, f := range v.Required.Fields {
			fmt.Fprintf(w, "  field     %s\n", f)
		}
		for _, s := range v.Required.Signatures {
			fmt.Fprintf(w, "  signature %s\n", s)
		}
	}

	if len(v.Artifacts) > 0 {
		fmt.Fprintln(w)
		FormatArtifacts(w, v.Artifacts)
	}
}

// FormatArtifacts writes catalog rows as a table.
func FormatArtifacts(w io.Writer, artifacts []*folio.Artifact) {
	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No artifacts found")
		return
	}
	fmt.Fprintf(w, "%-16s %-10s %-8s %s\n", "CATEGORY", "BY", "AGE", "PATH")
	for _, a := range artifacts {
		fmt.Fprintf(w, "%-16s %-10s %-8s %s\n",
			truncate(a.Category(), 16),
			truncate(a.GeneratedBy, 10),
			formatAge(a.GeneratedAtMs),
			a.Path,
		)
	}
}

// ShortID truncates a document ID to its first 8 characters.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// firstLine returns the first non-empty line of s, truncated to n.
func firstLine(s string, n int) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return truncate(trimmed, n)
		}
	}
	return "-"
}

func formatRound(round int) string {
	if round == 0 {
		return "-"
	}
	return fmt.Sprintf("r%d", round)
}

// formatAge renders a millisecond timestamp relative to Now.
func formatAge(ms int64) string {
	if ms == 0 {
		return "-"
	}
	diff := Now().Sub(time.UnixMilli(ms))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
