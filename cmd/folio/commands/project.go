package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dyluth/folio/internal/artifact"
	"github.com/dyluth/folio/internal/config"
	"github.com/dyluth/folio/internal/doctype"
	"github.com/dyluth/folio/internal/engine"
	"github.com/dyluth/folio/internal/printer"
	"github.com/dyluth/folio/internal/render"
	"github.com/dyluth/folio/internal/repository"
	"github.com/dyluth/folio/internal/resolver"
	"github.com/dyluth/folio/internal/signature"
	"github.com/dyluth/folio/internal/storage"
	"github.com/dyluth/folio/pkg/folio"
)

// project is an opened folio.yml with its backends.
type project struct {
	cfg   *config.FolioConfig
	repo  repository.Repository
	types *doctype.Registry
	svc   *engine.Service
}

// loadConfig reads folio.yml and applies environment overrides.
func loadConfig() (*config.FolioConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Create a project first:\n  folio init", "Point at another file:\n  folio --config path/to/folio.yml"},
		)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid configuration", err.Error(), nil)
	}
	return cfg, nil
}

// docTypesDir resolves the bundle directory relative to folio.yml.
func docTypesDir(cfg *config.FolioConfig) string {
	if filepath.IsAbs(cfg.DocTypes) {
		return cfg.DocTypes
	}
	return filepath.Join(filepath.Dir(configPath), cfg.DocTypes)
}

// openProject connects the repository and, when withEngine is set, storage,
// document types and the engine.
func openProject(ctx context.Context, withEngine bool) (*project, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	repo, err := repository.New(ctx, cfg.Repository, cfg.Namespace)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"repository connection failed",
			err.Error(),
			map[string]string{"Driver": cfg.Repository.Driver},
			[]string{"Check repository settings in folio.yml or REDIS_URL / DATABASE_URL"},
		)
	}
	p := &project{cfg: cfg, repo: repo}
	if !withEngine {
		return p, nil
	}

	types, err := doctype.NewRegistry(docTypesDir(cfg))
	if err != nil {
		repo.Close()
		return nil, printer.Error("invalid document types", err.Error(), []string{"Run:\n  folio doctypes validate"})
	}
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		repo.Close()
		return nil, printer.ErrorWithContext("storage unavailable", err.Error(), map[string]string{"Driver": cfg.Storage.Driver}, nil)
	}

	p.types = types
	p.svc = engine.NewService(engine.Deps{
		Repository: repo,
		Types:      types,
		Signatures: signature.NewStore(store, repo, signature.Options{
			MaxBytes:     cfg.Signatures.MaxBytes,
			AllowedTypes: cfg.Signatures.AllowedTypes,
		}),
		Renderer: render.NewRenderer(store),
		Catalog:  artifact.NewCatalog(store, repo),
	})
	return p, nil
}

func (p *project) Close() {
	p.repo.Close()
}

// resolve expands a short document ID, printing a friendly error.
func (p *project) resolve(ctx context.Context, shortID string) (string, error) {
	id, err := resolver.ResolveDocumentID(ctx, p.repo, shortID)
	if err == nil {
		return id, nil
	}

	var nf *resolver.NotFoundError
	var amb *resolver.AmbiguousError
	switch {
	case errors.As(err, &nf):
		return "", printer.Error(
			fmt.Sprintf("document '%s' not found", shortID),
			"No document matches that ID.",
			[]string{"List documents:\n  folio list"},
		)
	case errors.As(err, &amb):
		return "", printer.ErrorWithContext(
			fmt.Sprintf("ambiguous short ID '%s'", shortID),
			fmt.Sprintf("It matches %d documents:\n  %s", len(amb.Matches), strings.Join(amb.Suggestions(), "\n  ")),
			nil,
			[]string{"Use a longer prefix to uniquely identify the document."},
		)
	}
	return "", printer.Error("failed to resolve document ID", err.Error(), nil)
}

// terminalFunc reports terminal states from the loaded document types.
func (p *project) terminalFunc() func(string, folio.State) bool {
	return func(docType string, s folio.State) bool {
		if p.types == nil {
			return false
		}
		t, ok := p.types.Get(docType)
		return ok && t.Workflow.Terminal == s
	}
}

// fail prints an engine error with the context a user needs.
func fail(title, documentID string, err error) error {
	return printer.ErrorWithContext(title, err.Error(), map[string]string{
		"Document": documentID,
		"Kind":     string(engine.Classify(err)),
	}, nil)
}
