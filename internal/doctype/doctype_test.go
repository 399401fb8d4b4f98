package doctype

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func copyBundle(t *testing.T, dir, name string) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "valid", "training-plan.yml"))
	require.NoError(t, err)
	if name != "" {
		data = []byte(strings.Replace(string(data), "name: training-plan", "name: "+name, 1))
	}
	file := "training-plan.yml"
	if name != "" {
		file = name + ".yaml"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), data, 0o644))
}

func TestLoadDir(t *testing.T) {
	reg, err := NewRegistry(filepath.Join("testdata", "valid"))
	require.NoError(t, err)

	tp, ok := reg.Get("training-plan")
	require.True(t, ok)
	assert.Equal(t, "Training Plan", tp.Title)
	assert.Equal(t, "training-plan", tp.Workflow.Name, "workflow name defaults to the bundle name")
	assert.Equal(t, "training-plan", tp.Template.Name)
	assert.Equal(t, 2, tp.Workflow.Rounds)
	assert.Equal(t, 2, tp.Template.Pages)
	assert.Len(t, reg.List(), 1)

	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestLoadDirRejectsInvalidBundle(t *testing.T) {
	_, err := NewRegistry(filepath.Join("testdata", "invalid"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.Contains(t, err.Error(), "broken.yaml")

	_, err = NewRegistry(filepath.Join("testdata", "missing"))
	assert.Error(t, err)
}

func TestLoadDirRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	copyBundle(t, dir, "")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	data, err := os.ReadFile(filepath.Join(dir, "training-plan.yml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "copy.yaml"), data, 0o644))

	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, "defined in both")
}

func TestTypeLabels(t *testing.T) {
	tp, err := LoadFile(filepath.Join("testdata", "valid", "training-plan.yml"))
	require.NoError(t, err)

	assert.Equal(t, "Training goals", tp.Labels()["goals"])
	assert.Equal(t, "Training goals", tp.LabelFor("goals"))
	assert.Equal(t, "Self evaluation (r2)", tp.LabelFor("self_eval_r2"))
	assert.Equal(t, "unknown", tp.LabelFor("unknown"))
}

func TestTypeValidateCrossReferences(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(tp *Type)
		wantErr string
	}{
		{
			name: "template field without schema field",
			mutate: func(tp *Type) {
				box := tp.Template.Fields["first_name"]
				tp.Template.Fields["nickname"] = box
			},
			wantErr: `template field "nickname"`,
		},
		{
			name: "template anchor without schema field",
			mutate: func(tp *Type) {
				tp.Template.Anchors["essay"] = tp.Template.Anchors["goals"]
			},
			wantErr: `template anchor "essay"`,
		},
		{
			name: "image without signature slot",
			mutate: func(tp *Type) {
				tp.Template.Images["witness"] = tp.Template.Images["subject_plan"]
			},
			wantErr: `template image "witness"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp, err := LoadFile(filepath.Join("testdata", "valid", "training-plan.yml"))
			require.NoError(t, err)
			tt.mutate(tp)
			err = tp.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestReloadKeepsLastGoodSet(t *testing.T) {
	dir := t.TempDir()
	copyBundle(t, dir, "")

	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yml"), []byte("name: [unterminated"), 0o644))
	assert.Error(t, reg.Reload())

	_, ok := reg.Get("training-plan")
	assert.True(t, ok)

	require.NoError(t, os.Remove(filepath.Join(dir, "bad.yml")))
	copyBundle(t, dir, "work-log")
	require.NoError(t, reg.Reload())
	assert.Len(t, reg.List(), 2)
	assert.Equal(t, "training-plan", reg.List()[0].Name, "list is sorted by name")
}

func TestReloadRejectsDroppedStates(t *testing.T) {
	dir := t.TempDir()
	copyBundle(t, dir, "")

	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	path := filepath.Join(dir, "training-plan.yml")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	renamed := strings.ReplaceAll(string(data), "eval_counterparty", "review_counterparty")
	require.NoError(t, os.WriteFile(path, []byte(renamed), 0o644))

	err = reg.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dropped state eval_counterparty")
	tp, ok := reg.Get("training-plan")
	require.True(t, ok)
	_, ok = tp.Workflow.State("eval_counterparty")
	assert.True(t, ok, "last good definition stays active")

	require.NoError(t, os.Remove(path))
	err = reg.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "document type training-plan was removed")
}

func TestWatchPicksUpNewBundles(t *testing.T) {
	dir := t.TempDir()
	copyBundle(t, dir, "")

	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Watch(ctx))

	copyBundle(t, dir, "work-log")
	assert.Eventually(t, func() bool {
		_, ok := reg.Get("work-log")
		return ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStaticRegistryCannotReload(t *testing.T) {
	tp, err := LoadFile(filepath.Join("testdata", "valid", "training-plan.yml"))
	require.NoError(t, err)

	reg := NewStaticRegistry(tp)
	got, ok := reg.Get("training-plan")
	require.True(t, ok)
	assert.Same(t, tp, got)
	assert.Error(t, reg.Reload())
	assert.Error(t, reg.Watch(context.Background()))
}
