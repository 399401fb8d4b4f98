package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/folio/internal/storage"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCatalog(t *testing.T) (*Catalog, *storage.Memory, *folio.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := folio.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	mem := storage.NewMemory()
	c := NewCatalog(mem, client)
	tick := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	c.Now = func() time.Time {
		tick = tick.Add(1500 * time.Millisecond)
		return tick
	}
	return c, mem, client
}

func TestPath(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 15, 250_000_000, time.UTC)
	assert.Equal(t, "artifacts/doc-1/re-verified-20240501T093015.250.pdf", Path("doc-1", "Re-verified", at))
	assert.Equal(t, "artifacts/doc-1/artifact-20240501T093015.250.pdf", Path("doc-1", "!!!", at))
	assert.Equal(t, "artifacts/doc-1/year-end-review-20240501T093015.250.pdf", Path("doc-1", "  Year End / Review ", at))
}

func TestPublishInsertsThenUpdatesInPlace(t *testing.T) {
	c, mem, client := setupCatalog(t)
	ctx := context.Background()
	docID := uuid.New().String()
	actor := folio.Actor{ID: "admin-1", Role: folio.RoleAdmin}

	first, err := c.Publish(ctx, docID, "Generated", []byte("%PDF-1"), actor)
	require.NoError(t, err)

	rows, err := c.Latest(ctx, docID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rowID := rows[0].ID
	assert.Equal(t, first, rows[0].Path)
	assert.Equal(t, "Generated", rows[0].Category())

	second, err := c.Publish(ctx, docID, "Generated", []byte("%PDF-2"), actor)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	rows, err = c.Latest(ctx, docID)
	require.NoError(t, err)
	require.Len(t, rows, 1, "one current row per category")
	assert.Equal(t, rowID, rows[0].ID, "row is updated in place")
	assert.Equal(t, second, rows[0].Path)

	// Superseded files stay on storage
	assert.ElementsMatch(t, []string{first, second}, mem.Paths())

	// A different category gets its own row
	_, err = c.Publish(ctx, docID, "Re-verified", []byte("%PDF-3"), actor)
	require.NoError(t, err)
	rows, err = client.Artifacts(ctx, docID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Re-verified", rows[0].Category(), "newest first")

	a, data, err := c.Open(ctx, docID, "Generated")
	require.NoError(t, err)
	assert.Equal(t, second, a.Path)
	assert.Equal(t, []byte("%PDF-2"), data)
}

func TestPublishStorageFailureLeavesCatalogUntouched(t *testing.T) {
	c, mem, client := setupCatalog(t)
	ctx := context.Background()
	docID := uuid.New().String()

	mem.FailWrites = assert.AnError
	_, err := c.Publish(ctx, docID, "Generated", []byte("%PDF"), folio.Actor{ID: "x", Role: folio.RoleAdmin})

	var perr *folio.PersistenceError
	require.ErrorAs(t, err, &perr)
	rows, err := client.Artifacts(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPublishRejectsEmpty(t *testing.T) {
	c, _, _ := setupCatalog(t)
	_, err := c.Publish(context.Background(), uuid.New().String(), "Generated", nil, folio.Actor{})
	assert.Error(t, err)
	_, err = c.Publish(context.Background(), uuid.New().String(), "", []byte("x"), folio.Actor{})
	assert.Error(t, err)
}
