package engine

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/folio/internal/artifact"
	"github.com/dyluth/folio/internal/doctype"
	"github.com/dyluth/folio/internal/render"
	"github.com/dyluth/folio/internal/signature"
	"github.com/dyluth/folio/internal/storage"
	"github.com/dyluth/folio/internal/workflow"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	subject      = folio.Actor{ID: "subject-1", Role: folio.RoleSubject, OrgID: "org-1"}
	counterparty = folio.Actor{ID: "supervisor-1", Role: folio.RoleCounterparty, OrgID: "org-1"}
	admin        = folio.Actor{ID: "admin-1", Role: folio.RoleAdmin}
)

type testEnv struct {
	svc     *Service
	repo    *folio.Client
	mem     *storage.Memory
	metrics *Metrics
}

func clock() func() time.Time {
	var mu sync.Mutex
	tick := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
}

func setupEngine(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := folio.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	tp, err := doctype.LoadFile(filepath.Join("..", "doctype", "testdata", "valid", "training-plan.yml"))
	require.NoError(t, err)

	mem := storage.NewMemory()
	sigs := signature.NewStore(mem, client, signature.Options{})
	sigs.Now = clock()
	catalog := artifact.NewCatalog(mem, client)
	catalog.Now = clock()
	metrics := NewMetrics(prometheus.NewRegistry())

	svc := NewService(Deps{
		Repository: client,
		Types:      doctype.NewStaticRegistry(tp),
		Signatures: sigs,
		Renderer:   render.NewRenderer(mem),
		Catalog:    catalog,
		Metrics:    metrics,
	})
	svc.Now = clock()
	return &testEnv{svc: svc, repo: client, mem: mem, metrics: metrics}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for x := 0; x < 8; x++ {
		img.Set(x, 2, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func sig(t *testing.T, section string) SignaturePayload {
	return SignaturePayload{Section: section, Image: testPNG(t), MimeType: "image/png"}
}

func planFields() map[string]any {
	return map[string]any{
		"First_Name": "Ada",
		"last_name":  "Lovelace",
		"start_date": "2024-05-01T23:30:00-05:00",
		"goals":      "Learn the engine.\n\nThen document it.",
		"hours":      "1,200",
		"state":      "completed",
	}
}

func (e *testEnv) create(t *testing.T) string {
	t.Helper()
	resp, err := e.svc.Create(context.Background(), subject, CreateRequest{DocType: "training-plan"})
	require.NoError(t, err)
	require.True(t, resp.Success)
	return resp.ID
}

func (e *testEnv) submit(t *testing.T, actor folio.Actor, req Request) *Response {
	t.Helper()
	if req.Action == "" {
		req.Action = folio.ActionSubmit
	}
	resp, err := e.svc.Submit(context.Background(), actor, req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	return resp
}

func (e *testEnv) doc(t *testing.T, id string) *folio.Document {
	t.Helper()
	doc, err := e.repo.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func signaturePaths(mem *storage.Memory) []string {
	var out []string
	for _, p := range mem.Paths() {
		if strings.HasPrefix(p, "signatures/") {
			out = append(out, p)
		}
	}
	return out
}

func TestCreate(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()

	t.Run("subject creates its own document", func(t *testing.T) {
		id := e.create(t)
		doc := e.doc(t, id)
		assert.Equal(t, folio.State("plan_subject"), doc.State)
		assert.Equal(t, "subject-1", doc.SubjectID)
		assert.Equal(t, "org-1", doc.OrgID)
		assert.Equal(t, 1, doc.Version)
	})

	t.Run("counterparty pre-populates", func(t *testing.T) {
		resp, err := e.svc.Create(ctx, counterparty, CreateRequest{
			DocType:   "training-plan",
			SubjectID: "subject-2",
			Fields:    map[string]any{"first_name": "Grace", "supervisor_name": "not this stage"},
		})
		require.NoError(t, err)
		doc := e.doc(t, resp.ID)
		assert.Equal(t, "Grace", doc.Fields["first_name"])
		assert.NotContains(t, doc.Fields, "supervisor_name")
	})

	t.Run("counterparty must name the subject", func(t *testing.T) {
		_, err := e.svc.Create(ctx, counterparty, CreateRequest{DocType: "training-plan"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Equal(t, KindBadRequest, Classify(err))
	})

	t.Run("admin cannot create", func(t *testing.T) {
		_, err := e.svc.Create(ctx, admin, CreateRequest{DocType: "training-plan", SubjectID: "s"})
		assert.Equal(t, KindAuthorization, Classify(err))
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := e.svc.Create(ctx, subject, CreateRequest{DocType: "tax-form"})
		assert.Equal(t, KindNotFound, Classify(err))
	})
}

func TestMissingRequiredFieldBlocksTransition(t *testing.T) {
	e := setupEngine(t)
	id := e.create(t)

	_, err := e.svc.Submit(context.Background(), subject, Request{
		DocumentID: id,
		Action:     folio.ActionSubmit,
		Fields:     map[string]any{"first_name": "Ada"},
	})
	var missing *workflow.MissingFieldError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "last_name", missing.Field)
	assert.Equal(t, KindValidation, Classify(err))

	doc := e.doc(t, id)
	assert.Equal(t, folio.State("plan_subject"), doc.State)
	assert.Equal(t, 1, doc.Version)
	assert.NotContains(t, doc.Fields, "first_name", "no partial save")
}

func TestWrongRoleIsRejectedWithoutWrite(t *testing.T) {
	e := setupEngine(t)
	id := e.create(t)

	for _, action := range []folio.Action{folio.ActionSave, folio.ActionSubmit} {
		_, err := e.svc.Submit(context.Background(), counterparty, Request{
			DocumentID: id,
			Action:     action,
			Fields:     planFields(),
			Signatures: []SignaturePayload{sig(t, "subject_plan")},
		})
		var authErr *AuthorizationError
		require.ErrorAs(t, err, &authErr, "action %s", action)
	}

	doc := e.doc(t, id)
	assert.Equal(t, 1, doc.Version)
	assert.Empty(t, e.mem.Paths(), "no signature file is written")
	assert.Equal(t, float64(2), testutil.ToFloat64(e.metrics.Submissions.WithLabelValues("training-plan", "save", "authorization"))+
		testutil.ToFloat64(e.metrics.Submissions.WithLabelValues("training-plan", "submit", "authorization")))
}

func TestSaveReloadRoundTrip(t *testing.T) {
	e := setupEngine(t)
	id := e.create(t)

	resp := e.submit(t, subject, Request{DocumentID: id, Action: folio.ActionSave, Fields: planFields()})
	assert.Equal(t, folio.State("plan_subject"), resp.NewState)
	assert.Equal(t, "saved", resp.Message)

	view, err := e.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, folio.Record{
		"first_name": "Ada",
		"last_name":  "Lovelace",
		"start_date": "2024-05-01",
		"goals":      "Learn the engine.\n\nThen document it.",
		"hours":      float64(1200),
	}, view.Document.Fields)
	assert.Equal(t, folio.RoleSubject, view.AuthorizedRole)
	assert.Equal(t, []string{"subject_plan"}, view.Required.Signatures)

	// Re-submitting the stored values changes nothing
	again := make(map[string]any, len(view.Document.Fields))
	for k, v := range view.Document.Fields {
		again[k] = v
	}
	e.submit(t, subject, Request{DocumentID: id, Action: folio.ActionSave, Fields: again})
	assert.Equal(t, view.Document.Fields, e.doc(t, id).Fields)
}

func TestSignatureCapture(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id := e.create(t)

	t.Run("oversized image rejected", func(t *testing.T) {
		big := make([]byte, 3<<20)
		copy(big, testPNG(t))
		_, err := e.svc.Submit(ctx, subject, Request{
			DocumentID: id,
			Action:     folio.ActionSave,
			Signatures: []SignaturePayload{{Section: "subject_plan", Image: big, MimeType: "image/png"}},
		})
		assert.True(t, signature.IsSize(err))
		assert.Equal(t, KindBadRequest, Classify(err))
		assert.Empty(t, e.mem.Paths())
	})

	t.Run("slot of another stage rejected", func(t *testing.T) {
		_, err := e.svc.Submit(ctx, subject, Request{
			DocumentID: id,
			Action:     folio.ActionSave,
			Signatures: []SignaturePayload{sig(t, "supervisor_plan")},
		})
		var slotErr *SlotError
		require.ErrorAs(t, err, &slotErr)
		assert.Empty(t, e.mem.Paths())
	})

	t.Run("capture then supersede", func(t *testing.T) {
		e.submit(t, subject, Request{DocumentID: id, Action: folio.ActionSave, Signatures: []SignaturePayload{sig(t, "subject_plan")}})
		first := signaturePaths(e.mem)
		require.Len(t, first, 1)

		e.submit(t, subject, Request{DocumentID: id, Action: folio.ActionSave, Signatures: []SignaturePayload{sig(t, "subject_plan")}})
		second := signaturePaths(e.mem)
		require.Len(t, second, 1)
		assert.NotEqual(t, first, second, "the prior file is replaced")

		sigs, err := e.repo.Signatures(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, second[0], sigs["subject_plan"].Path)
		assert.Equal(t, "subject-1", sigs["subject_plan"].CapturedBy)
	})

	t.Run("omission keeps the signature", func(t *testing.T) {
		before := signaturePaths(e.mem)
		e.submit(t, subject, Request{DocumentID: id, Action: folio.ActionSave, Fields: map[string]any{"first_name": "Ada"}})
		assert.Equal(t, before, signaturePaths(e.mem))
	})

	t.Run("failed validation discards new files", func(t *testing.T) {
		before := signaturePaths(e.mem)
		_, err := e.svc.Submit(ctx, subject, Request{
			DocumentID: id,
			Action:     folio.ActionSubmit,
			Fields:     map[string]any{"first_name": "Ada"},
			Signatures: []SignaturePayload{sig(t, "subject_plan")},
		})
		assert.Equal(t, KindValidation, Classify(err))
		assert.Equal(t, before, signaturePaths(e.mem))
	})

	t.Run("explicit removal", func(t *testing.T) {
		_, err := e.svc.RemoveSignature(ctx, counterparty, id, "subject_plan")
		assert.Equal(t, KindAuthorization, Classify(err))

		resp, err := e.svc.RemoveSignature(ctx, subject, id, "subject_plan")
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Empty(t, signaturePaths(e.mem))

		_, err = e.svc.RemoveSignature(ctx, subject, id, "subject_plan")
		assert.ErrorIs(t, err, signature.ErrNoSignature)
	})
}

func TestConcurrentTransitionOneWins(t *testing.T) {
	e := setupEngine(t)
	id := e.create(t)
	e.submit(t, subject, Request{DocumentID: id, Action: folio.ActionSave, Fields: planFields(), Signatures: []SignaturePayload{sig(t, "subject_plan")}})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.Submit(context.Background(), subject, Request{
				DocumentID:    id,
				Action:        folio.ActionSubmit,
				ExpectedState: "plan_subject",
			})
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch Classify(err) {
		case "":
			ok++
		case KindConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	doc := e.doc(t, id)
	assert.Equal(t, folio.State("plan_counterparty"), doc.State)
	assert.Equal(t, 3, doc.Version)
}

// completeRounds drives a document from plan_counterparty to completion.
func (e *testEnv) completeRounds(t *testing.T, id string, rounds int) *Response {
	t.Helper()
	e.submit(t, counterparty, Request{
		DocumentID: id,
		Fields:     map[string]any{"supervisor_name": "Babbage", "attest": "on"},
		Signatures: []SignaturePayload{sig(t, "supervisor_plan")},
	})

	var resp *Response
	for r := 1; r <= rounds; r++ {
		resp = e.submit(t, subject, Request{DocumentID: id, Fields: map[string]any{"self_eval": strings.Repeat("Progress is steady. ", 30)}})
		assert.Equal(t, folio.State("eval_counterparty"), resp.NewState)
		assert.Equal(t, r, resp.Round)

		resp = e.submit(t, counterparty, Request{
			DocumentID: id,
			Fields:     map[string]any{"rating": "4", "bonus": "1"},
			Signatures: []SignaturePayload{sig(t, "supervisor_eval")},
		})
	}
	return resp
}

func TestFullWorkflowPublishesArtifact(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id := e.create(t)

	e.submit(t, subject, Request{DocumentID: id, Fields: planFields(), Signatures: []SignaturePayload{sig(t, "subject_plan")}})
	resp := e.completeRounds(t, id, 2)

	assert.Equal(t, folio.State("completed"), resp.NewState)
	assert.NotEmpty(t, resp.Artifact)

	doc := e.doc(t, id)
	assert.Equal(t, float64(5), doc.Fields["round_total_r1"])
	assert.Equal(t, float64(5), doc.Fields["round_total_r2"])
	assert.Contains(t, doc.Completed, "eval_counterparty_r2")
	assert.Contains(t, doc.Completed, "plan_subject")

	sigs, err := e.repo.Signatures(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, sigs, "supervisor_eval_r1")
	assert.Contains(t, sigs, "supervisor_eval_r2")

	rows, err := e.repo.Artifacts(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Generated", rows[0].Category())
	assert.Equal(t, resp.Artifact, rows[0].Path)

	pdf, err := e.mem.Read(ctx, rows[0].Path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf, []byte("%PDF-")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.Renders.WithLabelValues("training-plan", "clean")))

	t.Run("terminal is read-only", func(t *testing.T) {
		_, err := e.svc.Submit(ctx, subject, Request{DocumentID: id, Action: folio.ActionSave, Fields: planFields()})
		assert.Equal(t, KindInvalidAction, Classify(err))
	})

	t.Run("reopen and re-verify", func(t *testing.T) {
		_, err := e.svc.Submit(ctx, counterparty, Request{DocumentID: id, Action: "reverify"})
		assert.Equal(t, KindAuthorization, Classify(err))

		resp := e.submit(t, admin, Request{DocumentID: id, Action: "reverify"})
		assert.Equal(t, folio.State("plan_counterparty"), resp.NewState)
		assert.Empty(t, resp.Artifact)

		doc := e.doc(t, id)
		assert.Equal(t, "Re-verified", doc.PendingCategory)
		assert.Equal(t, "Ada", doc.Fields["first_name"], "captured values are kept")

		resp = e.completeRounds(t, id, 2)
		assert.Equal(t, folio.State("completed"), resp.NewState)

		rows, err := e.repo.Artifacts(ctx, id)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		categories := []string{rows[0].Category(), rows[1].Category()}
		assert.ElementsMatch(t, []string{"Generated", "Re-verified"}, categories)
		assert.Empty(t, e.doc(t, id).PendingCategory)
	})

	t.Run("regenerate", func(t *testing.T) {
		_, err := e.svc.Regenerate(ctx, counterparty, id, "")
		assert.Equal(t, KindAuthorization, Classify(err))

		resp, err := e.svc.Regenerate(ctx, admin, id, "")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(resp.Artifact, "artifacts/"+id+"/generated-"))

		rows, err := e.repo.Artifacts(ctx, id)
		require.NoError(t, err)
		assert.Len(t, rows, 2, "regenerating replaces the catalog row")
	})
}

func TestRegenerateRequiresRenderEligibleState(t *testing.T) {
	e := setupEngine(t)
	id := e.create(t)

	_, err := e.svc.Regenerate(context.Background(), admin, id, "")
	assert.Equal(t, KindInvalidAction, Classify(err))
}

func TestPreviewIsDeterministic(t *testing.T) {
	e := setupEngine(t)
	id := e.create(t)
	e.submit(t, subject, Request{DocumentID: id, Action: folio.ActionSave, Fields: planFields()})

	first, err := e.svc.Preview(context.Background(), id)
	require.NoError(t, err)
	second, err := e.svc.Preview(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, first.Anchors, second.Anchors)
	assert.Equal(t, first.Bytes, second.Bytes)
	require.Contains(t, first.Anchors, "goals")
	assert.Len(t, first.Anchors["goals"].Lines, 2, "two paragraphs, one line each")
	assert.Empty(t, e.mem.Paths(), "preview never publishes")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Kind(""), Classify(nil))
	assert.Equal(t, KindNotFound, Classify(folio.ErrNotFound))
	assert.Equal(t, KindConflict, Classify(&folio.ConflictError{}))
	assert.Equal(t, KindPersistence, Classify(&folio.PersistenceError{Op: "x", Err: assert.AnError}))
	assert.Equal(t, KindInternal, Classify(assert.AnError))
}

// interleavedRepo commits a competing change right before the first Lock.
type interleavedRepo struct {
	*folio.Client
	before func(ctx context.Context) error
}

func (r *interleavedRepo) Lock(ctx context.Context, documentID string, fn folio.LockFunc) (*folio.Document, error) {
	if r.before != nil {
		before := r.before
		r.before = nil
		if err := before(ctx); err != nil {
			return nil, err
		}
	}
	return r.Client.Lock(ctx, documentID, fn)
}

func TestTotalsUseLockedRow(t *testing.T) {
	e := setupEngine(t)
	ctx := context.Background()
	id := e.create(t)

	// Jump straight to the first evaluation round
	_, err := e.repo.Lock(ctx, id, func(cur *folio.Document, _ map[string]folio.Signature) (*folio.Mutation, error) {
		next := cur.Clone()
		next.State = "eval_counterparty"
		next.Round = 1
		next.Version++
		return &folio.Mutation{Document: next}, nil
	})
	require.NoError(t, err)

	e.svc.repo = &interleavedRepo{Client: e.repo, before: func(ctx context.Context) error {
		_, err := e.repo.Lock(ctx, id, func(cur *folio.Document, _ map[string]folio.Signature) (*folio.Mutation, error) {
			next := cur.Clone()
			next.Fields["bonus_r1"] = float64(5)
			next.Version++
			return &folio.Mutation{Document: next}, nil
		})
		return err
	}}

	e.submit(t, counterparty, Request{DocumentID: id, Action: folio.ActionSave, Fields: map[string]any{"rating": "3"}})

	doc := e.doc(t, id)
	assert.Equal(t, float64(3), doc.Fields["rating_r1"])
	assert.Equal(t, float64(5), doc.Fields["bonus_r1"])
	assert.Equal(t, float64(8), doc.Fields["round_total_r1"])
}
