// Package resolver expands short document ID prefixes typed on the command
// line into full document IDs.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dyluth/folio/pkg/folio"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// Documents looks documents up by ID or ID prefix.
type Documents interface {
	GetDocument(ctx context.Context, documentID string) (*folio.Document, error)
	ResolveDocumentID(ctx context.Context, prefix string) ([]string, error)
}

// ResolveDocumentID resolves a short ID prefix to a full document ID.
// A full UUID is checked for existence and returned as-is.
func ResolveDocumentID(ctx context.Context, docs Documents, shortID string) (string, error) {
	shortID = strings.ToLower(strings.TrimSpace(shortID))

	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := docs.GetDocument(ctx, shortID); err != nil {
			if folio.IsNotFound(err) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify document existence: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := docs.ResolveDocumentID(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for document: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no documents matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no documents found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple documents matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d documents", e.ShortID, len(e.Matches))
}

// Suggestions lists the matching IDs (up to 10) for display.
func (e *AmbiguousError) Suggestions() []string {
	n := min(len(e.Matches), 10)
	out := make([]string, 0, n+1)
	out = append(out, e.Matches[:n]...)
	if len(e.Matches) > 10 {
		out = append(out, fmt.Sprintf("...and %d more", len(e.Matches)-10))
	}
	return out
}
