package signature

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
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

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func fakePNG(size int) []byte {
	img := make([]byte, size)
	copy(img, pngHeader)
	return img
}

func fakeJPEG(size int) []byte {
	img := make([]byte, size)
	copy(img, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return img
}

func setupStore(t *testing.T) (*Store, *storage.Memory, *folio.Client, *folio.Document) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := folio.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	doc := &folio.Document{
		ID:        uuid.New().String(),
		DocType:   "training-plan",
		SubjectID: "subject-1",
		State:     "plan_subject",
		Fields:    folio.Record{},
		Version:   1,
		CreatedBy: "subject-1",
	}
	require.NoError(t, client.CreateDocument(context.Background(), doc))

	mem := storage.NewMemory()
	store := NewStore(mem, client, Options{})
	tick := time.Unix(1700000000, 0)
	store.Now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	return store, mem, client, doc
}

// commit records a captured path as the current signature of a section and
// returns the path it replaced.
func commit(t *testing.T, store *Store, client *folio.Client, doc *folio.Document, section, path string) string {
	t.Helper()
	actor := folio.Actor{ID: "subject-1", Role: folio.RoleSubject}
	var old string
	_, err := client.Lock(context.Background(), doc.ID, func(d *folio.Document, sigs map[string]folio.Signature) (*folio.Mutation, error) {
		old = sigs[section].Path
		next := d.Clone()
		next.Version++
		return &folio.Mutation{Document: next, Signatures: []folio.Signature{store.Row(doc.ID, section, actor, path)}}, nil
	})
	require.NoError(t, err)
	return old
}

func TestCaptureRejectsOversizedImage(t *testing.T) {
	store, mem, _, doc := setupStore(t)

	_, err := store.Capture(context.Background(), doc.ID, "subject_plan", folio.RoleSubject, fakePNG(3<<20), "image/png")

	var sizeErr *SizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, int64(3<<20), sizeErr.Size)
	assert.Equal(t, int64(DefaultMaxBytes), sizeErr.Limit)
	assert.Empty(t, mem.Paths(), "rejected images are never written")
}

func TestCaptureAcceptsAndSupersedes(t *testing.T) {
	store, mem, client, doc := setupStore(t)
	ctx := context.Background()

	first, err := store.Capture(ctx, doc.ID, "subject_plan", folio.RoleSubject, fakePNG(1<<20), "image/png")
	require.NoError(t, err)
	assert.Regexp(t, `^signatures/`+doc.ID+`/subject_plan-\d+\.png$`, first)
	assert.Empty(t, commit(t, store, client, doc, "subject_plan", first))

	second, err := store.Capture(ctx, doc.ID, "subject_plan", folio.RoleSubject, fakeJPEG(1<<20), "image/jpeg")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	old := commit(t, store, client, doc, "subject_plan", second)
	assert.Equal(t, first, old)
	store.Supersede(ctx, old)

	path, ok, err := store.CurrentPath(ctx, doc.ID, "subject_plan")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, second, path)
	assert.Equal(t, []string{second}, mem.Paths())
}

func TestCaptureFormatChecks(t *testing.T) {
	store, _, _, doc := setupStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		image    []byte
		mimeType string
	}{
		{"not on allow-list", fakePNG(100), "image/svg+xml"},
		{"pdf", []byte("%PDF-1.4"), "application/pdf"},
		{"declared png but jpeg content", fakeJPEG(100), "image/png"},
		{"declared png but text content", []byte("hello world"), "image/png"},
		{"empty", nil, "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Capture(ctx, doc.ID, "subject_plan", folio.RoleSubject, tt.image, tt.mimeType)
			assert.True(t, IsFormat(err), "got %v", err)
		})
	}

	t.Run("mime parameters are ignored", func(t *testing.T) {
		_, err := store.Capture(ctx, doc.ID, "subject_plan", folio.RoleSubject, fakePNG(100), "IMAGE/PNG; charset=binary")
		assert.NoError(t, err)
	})
}

func TestCurrentPathOmissionLeavesSignature(t *testing.T) {
	store, _, client, doc := setupStore(t)
	ctx := context.Background()

	p, err := store.Capture(ctx, doc.ID, "subject_plan", folio.RoleSubject, fakePNG(64), "image/png")
	require.NoError(t, err)
	commit(t, store, client, doc, "subject_plan", p)

	// A later save that carries no signature for the section leaves it alone
	_, err = client.Lock(ctx, doc.ID, func(d *folio.Document, _ map[string]folio.Signature) (*folio.Mutation, error) {
		next := d.Clone()
		next.Version++
		next.Fields["goals"] = "updated"
		return &folio.Mutation{Document: next}, nil
	})
	require.NoError(t, err)

	got, ok, err := store.CurrentPath(ctx, doc.ID, "subject_plan")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, p, got)

	_, ok, err = store.CurrentPath(ctx, doc.ID, "other")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	store, mem, client, doc := setupStore(t)
	ctx := context.Background()
	actor := folio.Actor{ID: "subject-1", Role: folio.RoleSubject}

	p, err := store.Capture(ctx, doc.ID, "subject_plan", folio.RoleSubject, fakePNG(64), "image/png")
	require.NoError(t, err)
	commit(t, store, client, doc, "subject_plan", p)

	t.Run("vetoed", func(t *testing.T) {
		veto := errors.New("not now")
		_, err := store.Remove(ctx, actor, doc.ID, "subject_plan", func(*folio.Document) error { return veto })
		assert.ErrorIs(t, err, veto)
		assert.Equal(t, []string{p}, mem.Paths())
	})

	t.Run("removed", func(t *testing.T) {
		updated, err := store.Remove(ctx, actor, doc.ID, "subject_plan", nil)
		require.NoError(t, err)
		assert.Equal(t, 3, updated.Version)
		assert.Empty(t, mem.Paths())

		_, ok, err := store.CurrentPath(ctx, doc.ID, "subject_plan")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("nothing to remove", func(t *testing.T) {
		_, err := store.Remove(ctx, actor, doc.ID, "subject_plan", nil)
		assert.ErrorIs(t, err, ErrNoSignature)
	})
}

func TestDiscardLogsFailures(t *testing.T) {
	store, mem, _, doc := setupStore(t)
	ctx := context.Background()

	p, err := store.Capture(ctx, doc.ID, "subject_plan", folio.RoleSubject, fakePNG(64), "image/png")
	require.NoError(t, err)

	mem.FailDeletes = errors.New("storage offline")
	store.Discard(ctx, p)
	assert.Equal(t, []string{p}, mem.Paths())

	mem.FailDeletes = nil
	store.Discard(ctx, p)
	assert.Empty(t, mem.Paths())
}

func TestDecodePayload(t *testing.T) {
	img := fakePNG(32)

	data, mimeType, err := DecodePayload("data:image/png;base64," + base64.StdEncoding.EncodeToString(img))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mimeType)
	assert.True(t, bytes.Equal(img, data))

	data, mimeType, err = DecodePayload(base64.RawURLEncoding.EncodeToString(img))
	require.NoError(t, err)
	assert.Empty(t, mimeType)
	assert.True(t, bytes.Equal(img, data))

	_, _, err = DecodePayload("data:image/png,raw")
	assert.Error(t, err)

	_, _, err = DecodePayload("!!not base64!!")
	assert.Error(t, err)
}
