package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/folio/internal/engine"
	"github.com/dyluth/folio/internal/workflow"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var refTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func init() {
	color.NoColor = true
	Now = func() time.Time { return refTime }
}

func setupTestClient(t *testing.T) *folio.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := folio.NewClient(&redis.Options{Addr: mr.Addr()}, "test-ns")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func doc(docType string, state folio.State, updated time.Time) *folio.Document {
	return &folio.Document{
		ID:          uuid.New().String(),
		DocType:     docType,
		SubjectID:   "subject-1",
		OrgID:       "org-1",
		State:       state,
		Fields:      folio.Record{},
		Completed:   map[string]int64{},
		Version:     1,
		CreatedBy:   "subject-1",
		CreatedAtMs: updated.UnixMilli(),
		UpdatedBy:   "subject-1",
		UpdatedAtMs: updated.UnixMilli(),
	}
}

func TestParseTime(t *testing.T) {
	ms, err := ParseTime("90m", refTime)
	require.NoError(t, err)
	assert.Equal(t, refTime.Add(-90*time.Minute).UnixMilli(), ms)

	ms, err = ParseTime("2024-04-30T00:00:00Z", refTime)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC).UnixMilli(), ms)

	ms, err = ParseTime("2024-04-30", refTime)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC).UnixMilli(), ms)

	_, err = ParseTime("yesterday", refTime)
	assert.Error(t, err)
	_, err = ParseTime("", refTime)
	assert.Error(t, err)
}

func TestCriteria(t *testing.T) {
	c := &Criteria{}
	require.NoError(t, c.ParseRange("2h", "", refTime))
	assert.False(t, c.Matches(doc("training-plan", "plan_subject", refTime.Add(-3*time.Hour))))
	assert.True(t, c.Matches(doc("training-plan", "plan_subject", refTime.Add(-time.Hour))))

	c = &Criteria{}
	assert.Error(t, c.ParseRange("1h", "2h", refTime), "since after until")

	c = &Criteria{DocTypeGlob: "training-*"}
	assert.Empty(t, c.ListFilter().DocType, "globs are matched client side")
	assert.True(t, c.Matches(doc("training-plan", "plan_subject", refTime)))
	assert.False(t, c.Matches(doc("evaluation", "plan_subject", refTime)))

	c = &Criteria{DocTypeGlob: "evaluation", State: "done"}
	assert.Equal(t, folio.ListFilter{DocType: "evaluation", State: "done"}, c.ListFilter())

	c = &Criteria{DocTypeGlob: "[unclosed"}
	assert.Error(t, c.Validate())
}

func TestListDocuments(t *testing.T) {
	ctx := context.Background()
	client := setupTestClient(t)

	old := doc("training-plan", "plan_subject", refTime.Add(-48*time.Hour))
	recent := doc("training-plan", "completed", refTime.Add(-5*time.Minute))
	other := doc("evaluation", "draft", refTime.Add(-time.Hour))
	for _, d := range []*folio.Document{old, recent, other} {
		require.NoError(t, client.CreateDocument(ctx, d))
	}
	terminal := func(docType string, s folio.State) bool { return s == "completed" }

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := ListDocuments(ctx, client, &Criteria{DocTypeGlob: "training-*"}, terminal, OutputFormatDefault, &buf)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		out := buf.String()
		assert.Contains(t, out, ShortID(old.ID))
		assert.Contains(t, out, ShortID(recent.ID))
		assert.NotContains(t, out, ShortID(other.ID))
		assert.Contains(t, out, "2d ago")
		assert.Contains(t, out, "5m ago")
		assert.Contains(t, out, "2 documents found")
	})

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		c := &Criteria{}
		require.NoError(t, c.ParseRange("2h", "", refTime))
		n, err := ListDocuments(ctx, client, c, nil, OutputFormatJSONL, &buf)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		ids := map[string]bool{}
		for _, line := range lines {
			var d folio.Document
			require.NoError(t, json.Unmarshal([]byte(line), &d))
			ids[d.ID] = true
		}
		assert.True(t, ids[recent.ID])
		assert.True(t, ids[other.ID])
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := ListDocuments(ctx, client, &Criteria{State: "archived"}, nil, OutputFormatDefault, &buf)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, "No documents found\n", buf.String())
	})
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSONL, f)
	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

func TestFormatView(t *testing.T) {
	d := doc("training-plan", "eval_counterparty", refTime.Add(-time.Hour))
	d.Round, d.Rounds = 2, 2
	d.Fields = folio.Record{"first_name": "Ada", "goals": "Line one\nLine two"}
	v := &engine.View{
		Document: d,
		Signatures: map[string]folio.Signature{
			"subject_plan": {SectionKey: "subject_plan", CapturedBy: "subject-1", CapturedAtMs: refTime.Add(-2 * time.Hour).UnixMilli()},
		},
		Artifacts:      []*folio.Artifact{{Metadata: map[string]string{"category": "Generated"}, GeneratedBy: "admin-1", Path: "artifacts/x.pdf"}},
		AuthorizedRole: folio.RoleCounterparty,
		Required:       workflow.Requirements{Fields: []string{"rating_r2"}, Signatures: []string{"supervisor_eval_r2"}},
	}

	var buf bytes.Buffer
	FormatView(&buf, v, map[string]string{"first_name": "First name"}, false)
	out := buf.String()
	assert.Contains(t, out, "State:    eval_counterparty (round 2 of 2)")
	assert.Contains(t, out, "First name")
	assert.Contains(t, out, "Line one")
	assert.NotContains(t, out, "Line two")
	assert.Contains(t, out, "subject_plan")
	assert.Contains(t, out, "field     rating_r2")
	assert.Contains(t, out, "signature supervisor_eval_r2")
	assert.Contains(t, out, "Generated")
	assert.Contains(t, out, "Next:     counterparty")
}
