// Package listing selects and formats documents and artifacts for the CLI.
package listing

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dyluth/folio/pkg/folio"
)

// Criteria defines filtering options for document listings. All filters are
// ANDed together; zero values match everything.
type Criteria struct {
	SinceMs     int64  // Updated at or after, 0 = no bound
	UntilMs     int64  // Updated at or before, 0 = no bound
	DocTypeGlob string // Glob pattern for the document type
	State       folio.State
	OrgID       string
	SubjectID   string
}

// ListFilter returns the exact-match part of the criteria, which the
// repository can apply itself.
func (c *Criteria) ListFilter() folio.ListFilter {
	f := folio.ListFilter{State: c.State, OrgID: c.OrgID, SubjectID: c.SubjectID}
	if c.DocTypeGlob != "" && !hasMeta(c.DocTypeGlob) {
		f.DocType = c.DocTypeGlob
	}
	return f
}

// Matches returns true if the document matches all criteria.
func (c *Criteria) Matches(d *folio.Document) bool {
	if c.SinceMs > 0 && d.UpdatedAtMs < c.SinceMs {
		return false
	}
	if c.UntilMs > 0 && d.UpdatedAtMs > c.UntilMs {
		return false
	}
	if c.DocTypeGlob != "" {
		matched, err := doublestar.Match(c.DocTypeGlob, d.DocType)
		if err != nil || !matched {
			return false
		}
	}
	return c.ListFilter().Matches(d)
}

// Validate checks the glob pattern and the time range.
func (c *Criteria) Validate() error {
	if c.DocTypeGlob != "" && !doublestar.ValidatePattern(c.DocTypeGlob) {
		return fmt.Errorf("invalid --type pattern: %s", c.DocTypeGlob)
	}
	if c.SinceMs > 0 && c.UntilMs > 0 && c.SinceMs >= c.UntilMs {
		return fmt.Errorf("--since must be before --until")
	}
	return nil
}

func hasMeta(pattern string) bool {
	for _, r := range pattern {
		switch r {
		case '*', '?', '[', '{', '\\':
			return true
		}
	}
	return false
}

// ParseTime parses a time specification into Unix milliseconds. A Go
// duration ("90m", "1h30m") counts back from now; otherwise RFC3339 or a
// plain date is expected.
func ParseTime(value string, now time.Time) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UnixMilli(), nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t.UnixMilli(), nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return now.Add(-d).UnixMilli(), nil
	}
	return 0, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m', a date like '2024-05-01' or RFC3339)", value)
}

// ParseRange parses --since and --until into the criteria.
func (c *Criteria) ParseRange(since, until string, now time.Time) error {
	var err error
	if since != "" {
		if c.SinceMs, err = ParseTime(since, now); err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if c.UntilMs, err = ParseTime(until, now); err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
	}
	return c.Validate()
}
