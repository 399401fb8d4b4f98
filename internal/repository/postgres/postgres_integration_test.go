//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/folio/pkg/folio"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a PostgreSQL container and returns a migrated store.
func setupPostgres(t *testing.T) *Store {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "folio",
			"POSTGRES_PASSWORD": "folio",
			"POSTGRES_DB":       "folio",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start Postgres container")
	t.Cleanup(func() {
		if err := pgC.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate Postgres container: %v", err)
		}
	})

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := Connect(ctx, fmt.Sprintf("postgres://folio:folio@%s:%s/folio?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migration is idempotent")
	return store
}

func newDocument() *folio.Document {
	return &folio.Document{
		ID:          uuid.New().String(),
		DocType:     "training-plan",
		SubjectID:   "subject-1",
		State:       "plan_subject",
		Fields:      folio.Record{"first_name": "Ada", "hours": 12.5, "agree": false, "end_date": nil},
		Completed:   map[string]int64{},
		Version:     1,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}

func advance(from, to folio.State) folio.LockFunc {
	return func(doc *folio.Document, _ map[string]folio.Signature) (*folio.Mutation, error) {
		if doc.State != from {
			return nil, &folio.ConflictError{DocumentID: doc.ID, Expected: from, Actual: doc.State}
		}
		next := doc.Clone()
		next.State = to
		next.Version++
		return &folio.Mutation{Document: next}, nil
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	doc := newDocument()
	require.NoError(t, store.CreateDocument(ctx, doc))
	assert.Error(t, store.CreateDocument(ctx, doc))

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	_, err = store.GetDocument(ctx, uuid.New().String())
	assert.True(t, folio.IsNotFound(err))
	_, err = store.GetDocument(ctx, "not-a-uuid")
	assert.True(t, folio.IsNotFound(err))

	ids, err := store.ResolveDocumentID(ctx, doc.ID[:8])
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ID}, ids)

	docs, err := store.ListDocuments(ctx, folio.ListFilter{DocType: "training-plan", State: "plan_subject"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
}

func TestLockSignatures(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	doc := newDocument()
	require.NoError(t, store.CreateDocument(ctx, doc))

	sig := folio.Signature{
		ID:         uuid.New().String(),
		DocumentID: doc.ID,
		SectionKey: "subject_plan",
		Role:       folio.RoleSubject,
		Path:       "signatures/a.png",
	}
	_, err := store.Lock(ctx, doc.ID, func(d *folio.Document, _ map[string]folio.Signature) (*folio.Mutation, error) {
		next := d.Clone()
		next.Version++
		return &folio.Mutation{Document: next, Signatures: []folio.Signature{sig}}, nil
	})
	require.NoError(t, err)

	// Capturing again replaces the row for the section
	sig2 := sig
	sig2.ID = uuid.New().String()
	sig2.Path = "signatures/b.png"
	_, err = store.Lock(ctx, doc.ID, func(d *folio.Document, sigs map[string]folio.Signature) (*folio.Mutation, error) {
		assert.Equal(t, "signatures/a.png", sigs["subject_plan"].Path)
		next := d.Clone()
		next.Version++
		return &folio.Mutation{Document: next, Signatures: []folio.Signature{sig2}}, nil
	})
	require.NoError(t, err)

	sigs, err := store.Signatures(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]folio.Signature{"subject_plan": sig2}, sigs)

	_, err = store.Lock(ctx, doc.ID, func(d *folio.Document, _ map[string]folio.Signature) (*folio.Mutation, error) {
		next := d.Clone()
		next.Version++
		return &folio.Mutation{Document: next, Removed: []string{"subject_plan"}}, nil
	})
	require.NoError(t, err)
	sigs, err = store.Signatures(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestConcurrentLockOneWins(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	doc := newDocument()
	require.NoError(t, store.CreateDocument(ctx, doc))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Lock(ctx, doc.ID, advance("plan_subject", "plan_counterparty"))
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if folio.IsConflict(err) {
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	got, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestArtifactCatalog(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	docID := uuid.New().String()

	_, err := store.FindArtifact(ctx, docID, "Generated")
	assert.True(t, folio.IsNotFound(err))

	a := &folio.Artifact{
		ID:            uuid.New().String(),
		DocumentID:    docID,
		Description:   "Generated",
		Metadata:      map[string]string{folio.CategoryMetaKey: "Generated"},
		Path:          "artifacts/a.pdf",
		GeneratedAtMs: 10,
	}
	require.NoError(t, store.InsertArtifact(ctx, a))

	a.Path = "artifacts/b.pdf"
	a.GeneratedAtMs = 20
	require.NoError(t, store.UpdateArtifact(ctx, a))

	found, err := store.FindArtifact(ctx, docID, "Generated")
	require.NoError(t, err)
	assert.Equal(t, a, found)

	rows, err := store.Artifacts(ctx, docID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	missing := *a
	missing.ID = uuid.New().String()
	assert.True(t, folio.IsNotFound(store.UpdateArtifact(ctx, &missing)))
}
