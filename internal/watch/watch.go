// Package watch follows document activity as it happens.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/pkg/folio"
)

// OutputFormat specifies how events are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per event
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON
	OutputFormatJSON OutputFormat = "json"
)

// Source delivers document events.
type Source interface {
	Events() <-chan *folio.Event
	Errors() <-chan error
}

// Filter selects which events are written. Zero values match everything.
type Filter struct {
	DocumentID string
	DocType    string
}

func (f Filter) matches(ev *folio.Event) bool {
	if f.DocumentID != "" && ev.DocumentID != f.DocumentID {
		return false
	}
	if f.DocType != "" && ev.DocType != f.DocType {
		return false
	}
	return true
}

// StreamEvents writes events from src to w until ctx is cancelled or the
// source closes. Malformed events reported on the error channel are shown
// as warnings and skipped.
func StreamEvents(ctx context.Context, src Source, filter Filter, format OutputFormat, w io.Writer) error {
	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			printer.Warning("%v\n", err)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !filter.matches(ev) {
				continue
			}
			if err := writeEvent(w, ev, format); err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, ev *folio.Event, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	ts := time.UnixMilli(ev.AtMs).Format("15:04:05")
	id := ev.DocumentID
	if len(id) > 8 {
		id = id[:8]
	}
	var what string
	switch {
	case ev.FromState == "":
		what = fmt.Sprintf("created in %s", ev.ToState)
	case ev.FromState == ev.ToState:
		what = fmt.Sprintf("saved in %s", ev.ToState)
	default:
		what = fmt.Sprintf("%s → %s", ev.FromState, ev.ToState)
	}
	if ev.Round > 0 {
		what += fmt.Sprintf(" (round %d)", ev.Round)
	}
	_, err := fmt.Fprintf(w, "[%s] %s %s %s by %s v%d\n", ts, id, ev.DocType, what, ev.ActorID, ev.Version)
	return err
}

// Documents loads documents.
type Documents interface {
	GetDocument(ctx context.Context, documentID string) (*folio.Document, error)
}

// PollForState polls until the document reaches state. It polls every
// 200ms and gives up after timeout.
func PollForState(ctx context.Context, docs Documents, documentID string, state folio.State, timeout time.Duration) (*folio.Document, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		doc, err := docs.GetDocument(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("failed to read document: %w", err)
		}
		if doc.State == state {
			return doc, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for state %s after %v (still %s)", state, timeout, doc.State)
		case <-ticker.C:
		}
	}
}
