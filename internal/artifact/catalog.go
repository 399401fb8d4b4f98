// Package artifact stores rendered documents and keeps one current catalog
// row per document and category.
package artifact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/internal/storage"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/google/uuid"
)

// Repository is the catalog part of the document repository.
type Repository interface {
	FindArtifact(ctx context.Context, documentID, category string) (*folio.Artifact, error)
	InsertArtifact(ctx context.Context, a *folio.Artifact) error
	UpdateArtifact(ctx context.Context, a *folio.Artifact) error
	Artifacts(ctx context.Context, documentID string) ([]*folio.Artifact, error)
}

// Catalog publishes artifact bytes and maintains their catalog rows.
//
// Publishing the same (document, category) concurrently is not serialized:
// the last writer to reach the catalog wins and the other file is left on
// storage unreferenced. Superseded files are never reclaimed.
type Catalog struct {
	storage storage.Storage
	repo    Repository

	// Now is the clock used for file names and generation times.
	Now func() time.Time
}

// NewCatalog creates a catalog.
func NewCatalog(s storage.Storage, repo Repository) *Catalog {
	return &Catalog{storage: s, repo: repo, Now: time.Now}
}

// Path returns the storage path for an artifact generated at t.
func Path(documentID, category string, t time.Time) string {
	return fmt.Sprintf("artifacts/%s/%s-%s.pdf", documentID, slug(category), t.UTC().Format("20060102T150405.000"))
}

// Publish writes data to storage, then points the catalog row for
// (documentID, category) at it, creating the row if there is none.
func (c *Catalog) Publish(ctx context.Context, documentID, category string, data []byte, actor folio.Actor) (string, error) {
	if category == "" {
		return "", fmt.Errorf("artifact category cannot be empty")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("artifact for %s is empty", documentID)
	}

	now := c.Now()
	p := Path(documentID, category, now)
	if err := c.storage.Write(ctx, p, data, "application/pdf"); err != nil {
		return "", &folio.PersistenceError{Op: "write artifact", Err: err}
	}

	existing, err := c.repo.FindArtifact(ctx, documentID, category)
	switch {
	case err == nil:
		existing.Path = p
		existing.GeneratedAtMs = now.UnixMilli()
		existing.GeneratedBy = actor.ID
		err = c.repo.UpdateArtifact(ctx, existing)
	case folio.IsNotFound(err):
		err = c.repo.InsertArtifact(ctx, &folio.Artifact{
			ID:            uuid.New().String(),
			DocumentID:    documentID,
			Description:   category,
			Metadata:      map[string]string{folio.CategoryMetaKey: category},
			Path:          p,
			GeneratedAtMs: now.UnixMilli(),
			GeneratedBy:   actor.ID,
		})
	}
	if err != nil {
		logger.Error(ctx, "artifact written but not cataloged", "path", p, "category", category, "error", err)
		return "", err
	}

	logger.Info(ctx, "artifact published", "path", p, "category", category, "bytes", len(data))
	return p, nil
}

// Latest returns the current catalog rows of a document, newest first.
func (c *Catalog) Latest(ctx context.Context, documentID string) ([]*folio.Artifact, error) {
	return c.repo.Artifacts(ctx, documentID)
}

// Open returns the bytes of the current artifact for a category.
func (c *Catalog) Open(ctx context.Context, documentID, category string) (*folio.Artifact, []byte, error) {
	a, err := c.repo.FindArtifact(ctx, documentID, category)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.storage.Read(ctx, a.Path)
	if err != nil {
		return nil, nil, err
	}
	return a, data, nil
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "artifact"
	}
	return out
}
