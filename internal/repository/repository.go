// Package repository selects the document repository backend. Every backend
// persists documents, signature rows and the artifact catalog, and offers a
// row lock under which a read-validate-write cycle is atomic.
package repository

import (
	"context"
	"fmt"

	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/repository/postgres"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/redis/go-redis/v9"
)

// Repository is the persistence boundary used by the engine, the server and
// the CLI.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	CreateDocument(ctx context.Context, d *folio.Document) error
	GetDocument(ctx context.Context, documentID string) (*folio.Document, error)
	ListDocuments(ctx context.Context, filter folio.ListFilter) ([]*folio.Document, error)
	ResolveDocumentID(ctx context.Context, prefix string) ([]string, error)

	// Lock runs fn with the document row exclusively held and commits the
	// mutation it returns. Errors from fn abort without writing.
	Lock(ctx context.Context, documentID string, fn folio.LockFunc) (*folio.Document, error)
	Signatures(ctx context.Context, documentID string) (map[string]folio.Signature, error)

	FindArtifact(ctx context.Context, documentID, category string) (*folio.Artifact, error)
	InsertArtifact(ctx context.Context, a *folio.Artifact) error
	UpdateArtifact(ctx context.Context, a *folio.Artifact) error
	Artifacts(ctx context.Context, documentID string) ([]*folio.Artifact, error)
}

var (
	_ Repository = (*folio.Client)(nil)
	_ Repository = (*postgres.Store)(nil)
)

// New opens the backend named by cfg. The Postgres schema is migrated on
// connect.
func New(ctx context.Context, cfg *config.RepositoryConfig, namespace string) (Repository, error) {
	switch cfg.Driver {
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		client, err := folio.NewClient(opts, namespace)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil

	case "postgres":
		store, err := postgres.Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown repository driver %q", cfg.Driver)
	}
}
