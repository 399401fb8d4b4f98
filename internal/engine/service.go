// Package engine runs save, transition and render requests for every
// registered document type. A request is normalized against the current
// stage, authorized by the workflow, persisted under the document's row lock
// and, when the document reaches a render-eligible state, rendered and
// published to the artifact catalog.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/folio/internal/artifact"
	"github.com/dyluth/folio/internal/doctype"
	"github.com/dyluth/folio/internal/fields"
	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/internal/render"
	"github.com/dyluth/folio/internal/repository"
	"github.com/dyluth/folio/internal/signature"
	"github.com/dyluth/folio/internal/workflow"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ActionRender is the action name used for explicit re-renders.
const ActionRender folio.Action = "render"

// Types looks up registered document types.
type Types interface {
	Get(name string) (*doctype.Type, bool)
}

// SignaturePayload is one decoded signature image of a request.
type SignaturePayload struct {
	Section  string
	Image    []byte
	MimeType string
}

// Request is a save or transition of an existing document.
type Request struct {
	DocumentID string
	Action     folio.Action
	Fields     map[string]any
	Signatures []SignaturePayload

	// ExpectedState is the state the caller last saw. When set, a document
	// in any other state fails with a *ConflictError.
	ExpectedState folio.State
}

// CreateRequest starts a new document in its initial state.
type CreateRequest struct {
	DocType   string
	SubjectID string // Defaults to the acting subject
	OrgID     string // Defaults to the actor's organization
	Rounds    int    // 0 uses the workflow default
	Fields    map[string]any
}

// Response is the outcome of a request as reported to the caller.
type Response struct {
	Success  bool        `json:"success"`
	ID       string      `json:"id"`
	NewState folio.State `json:"new_state,omitempty"`
	Round    int         `json:"round,omitempty"`
	Version  int         `json:"version,omitempty"`
	Artifact string      `json:"artifact,omitempty"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Failure builds the response for a failed request.
func Failure(documentID string, err error) *Response {
	return &Response{ID: documentID, Error: err.Error()}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Repository repository.Repository
	Types      Types
	Signatures *signature.Store
	Renderer   *render.Renderer
	Catalog    *artifact.Catalog
	Metrics    *Metrics // Optional
}

// Service is the document engine.
type Service struct {
	repo     repository.Repository
	types    Types
	sigs     *signature.Store
	renderer *render.Renderer
	catalog  *artifact.Catalog
	metrics  *Metrics

	// Now is the clock used for audit and completion times.
	Now func() time.Time
}

// NewService wires a service. Without metrics the collectors are registered
// on a private registry.
func NewService(d Deps) *Service {
	m := d.Metrics
	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}
	return &Service{
		repo:     d.Repository,
		types:    d.Types,
		sigs:     d.Signatures,
		renderer: d.Renderer,
		catalog:  d.Catalog,
		metrics:  m,
		Now:      time.Now,
	}
}

func (s *Service) docType(name string) (*doctype.Type, error) {
	t, ok := s.types.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDocType, name)
	}
	return t, nil
}

// Create starts a document in the initial state of its workflow. The
// subject creates its own document; a counterparty may create one on the
// subject's behalf and pre-populate the initial stage.
func (s *Service) Create(ctx context.Context, actor folio.Actor, req CreateRequest) (*Response, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.WithActor(ctx, actor.ID)

	dt, err := s.docType(req.DocType)
	if err != nil {
		return nil, err
	}
	def := &dt.Workflow
	initial, _ := def.State(def.Initial)

	if actor.Role != folio.RoleSubject && actor.Role != folio.RoleCounterparty {
		return nil, &workflow.AuthorizationError{State: def.Initial, Action: "create", Role: actor.Role, Allowed: initial.Role}
	}
	subjectID := req.SubjectID
	if subjectID == "" {
		if actor.Role != folio.RoleSubject {
			return nil, fmt.Errorf("%w: subject_id is required when a counterparty creates a document", ErrInvalidRequest)
		}
		subjectID = actor.ID
	}
	if actor.Role == folio.RoleSubject && subjectID != actor.ID {
		return nil, &workflow.AuthorizationError{State: def.Initial, Action: "create", Role: actor.Role, Allowed: folio.RoleCounterparty}
	}
	if req.Rounds < 0 {
		return nil, fmt.Errorf("%w: rounds cannot be negative", ErrInvalidRequest)
	}
	orgID := req.OrgID
	if orgID == "" {
		orgID = actor.OrgID
	}

	pos := workflow.Position{State: def.Initial}
	if def.InRound(def.Initial) {
		pos.Round = 1
	}
	now := s.Now()
	doc := &folio.Document{
		ID:          uuid.New().String(),
		DocType:     dt.Name,
		SubjectID:   subjectID,
		OrgID:       orgID,
		State:       def.Initial,
		Round:       pos.Round,
		Rounds:      req.Rounds,
		Fields:      fields.Normalize(req.Fields, def.StageSchema(dt.Fields, pos)),
		Completed:   map[string]int64{},
		Version:     1,
		CreatedBy:   actor.ID,
		CreatedAtMs: now.UnixMilli(),
		UpdatedBy:   actor.ID,
		UpdatedAtMs: now.UnixMilli(),
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	logger.Info(logger.WithDocument(ctx, doc.ID), "document created",
		"event_type", "document_created", "doc_type", doc.DocType, "state", doc.State)
	return &Response{
		Success:  true,
		ID:       doc.ID,
		NewState: doc.State,
		Round:    doc.Round,
		Version:  doc.Version,
		Message:  fmt.Sprintf("%s created", dt.Title),
	}, nil
}

// Submit saves or transitions a document. Authorization is decided before
// any content is looked at; content validation reports only the first
// missing requirement. Nothing is written unless the whole request succeeds.
func (s *Service) Submit(ctx context.Context, actor folio.Actor, req Request) (*Response, error) {
	if req.Action == "" {
		req.Action = folio.ActionSave
	}
	resp, docType, err := s.submit(ctx, actor, req)

	outcome := "success"
	if err != nil {
		outcome = string(Classify(err))
	}
	s.metrics.Submissions.WithLabelValues(docType, string(req.Action), outcome).Inc()
	return resp, err
}

func (s *Service) submit(ctx context.Context, actor folio.Actor, req Request) (*Response, string, error) {
	if err := actor.Validate(); err != nil {
		return nil, "", err
	}
	ctx = logger.WithDocument(logger.WithActor(ctx, actor.ID), req.DocumentID)

	doc, err := s.repo.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, "", err
	}
	dt, err := s.docType(doc.DocType)
	if err != nil {
		return nil, doc.DocType, err
	}
	if req.ExpectedState != "" && req.ExpectedState != doc.State {
		return nil, dt.Name, &folio.ConflictError{DocumentID: doc.ID, Expected: req.ExpectedState, Actual: doc.State}
	}

	def := &dt.Workflow
	pos := def.Position(doc)
	step, err := def.Transition(pos, req.Action, actor.Role)
	if err != nil {
		return nil, dt.Name, err
	}

	schema := def.StageSchema(dt.Fields, pos)

	captured, err := s.captureSignatures(ctx, actor, def, pos, step, req)
	if err != nil {
		return nil, dt.Name, err
	}
	newPaths := make([]string, 0, len(captured))
	for _, c := range captured {
		newPaths = append(newPaths, c.Path)
	}

	var superseded []string
	var category string
	updated, err := s.repo.Lock(ctx, doc.ID, func(cur *folio.Document, sigs map[string]folio.Signature) (*folio.Mutation, error) {
		superseded = superseded[:0]
		if cur.State != doc.State || cur.Round != doc.Round {
			return nil, &folio.ConflictError{DocumentID: cur.ID, Expected: doc.State, Actual: cur.State}
		}

		now := s.Now()
		next := cur.Clone()
		if step.Kind != workflow.StepReopen {
			// Totals take unsubmitted parts from the locked row
			next.Fields.Merge(fields.NormalizeOver(req.Fields, schema, cur.Fields))
		}

		present := make(map[string]bool, len(sigs)+len(captured))
		for slot := range sigs {
			present[slot] = true
		}
		for _, c := range captured {
			present[c.SectionKey] = true
			if old, ok := sigs[c.SectionKey]; ok {
				superseded = append(superseded, old.Path)
			}
		}

		switch step.Kind {
		case workflow.StepAdvance, workflow.StepRepeat:
			if err := def.ValidateCompletion(pos, next.Fields, present); err != nil {
				return nil, err
			}
			next.Completed[def.StageKey(pos)] = now.UnixMilli()
		case workflow.StepReopen:
			next.PendingCategory = step.Category
		}
		next.State = step.To
		next.Round = step.Round

		category = ""
		if step.Moves() && def.RenderEligible(next.State) {
			category = next.PendingCategory
			if category == "" {
				category = def.DefaultCategory
			}
			if next.State == def.Terminal {
				next.PendingCategory = ""
			}
		}

		next.Version++
		next.UpdatedBy = actor.ID
		next.UpdatedAtMs = now.UnixMilli()
		return &folio.Mutation{Document: next, Signatures: captured}, nil
	})
	if err != nil {
		for _, p := range newPaths {
			s.sigs.Discard(ctx, p)
		}
		return nil, dt.Name, err
	}

	for _, p := range superseded {
		s.sigs.Supersede(ctx, p)
	}

	logger.Info(ctx, "document updated",
		"event_type", "document_"+string(step.Kind),
		"doc_type", dt.Name,
		"from_state", step.From,
		"to_state", updated.State,
		"round", updated.Round,
		"version", updated.Version,
		"signatures", len(captured))

	resp := &Response{
		Success:  true,
		ID:       updated.ID,
		NewState: updated.State,
		Round:    updated.Round,
		Version:  updated.Version,
		Message:  stepMessage(step, updated),
	}

	if category != "" {
		path, err := s.render(ctx, actor, updated, dt, category)
		if err != nil {
			// The transition has committed; the artifact can be regenerated
			logger.Error(ctx, "artifact not published", "category", category, "error", err)
			resp.Message += "; artifact generation failed and can be retried"
		} else {
			resp.Artifact = path
		}
	}
	return resp, dt.Name, nil
}

func stepMessage(step workflow.Step, doc *folio.Document) string {
	switch step.Kind {
	case workflow.StepSave:
		return "saved"
	case workflow.StepRepeat:
		return fmt.Sprintf("round %d started at %s", doc.Round, doc.State)
	case workflow.StepReopen:
		return fmt.Sprintf("reopened at %s", doc.State)
	default:
		return fmt.Sprintf("advanced to %s", doc.State)
	}
}

// captureSignatures validates and writes every submitted image before the
// row lock is taken. On failure the files already written are discarded.
func (s *Service) captureSignatures(ctx context.Context, actor folio.Actor, def *workflow.Definition, pos workflow.Position, step workflow.Step, req Request) ([]folio.Signature, error) {
	if len(req.Signatures) == 0 {
		return nil, nil
	}

	var rows []folio.Signature
	discard := func() {
		for _, r := range rows {
			s.sigs.Discard(ctx, r.Path)
		}
	}

	seen := make(map[string]bool, len(req.Signatures))
	for _, p := range req.Signatures {
		slot, ok := def.SlotFor(pos, p.Section)
		if !ok || step.Kind == workflow.StepReopen {
			discard()
			return nil, &SlotError{State: pos.State, Section: p.Section}
		}
		if seen[slot] {
			discard()
			return nil, fmt.Errorf("signature section %q submitted twice", slot)
		}
		seen[slot] = true

		path, err := s.sigs.Capture(ctx, req.DocumentID, slot, actor.Role, p.Image, p.MimeType)
		if err != nil {
			s.metrics.SignatureCaptures.WithLabelValues("rejected").Inc()
			discard()
			return nil, err
		}
		s.metrics.SignatureCaptures.WithLabelValues("captured").Inc()
		rows = append(rows, s.sigs.Row(req.DocumentID, slot, actor, path))
	}
	return rows, nil
}

// RemoveSignature deletes the current signature of a section of the current
// stage. Only the role authorized for the stage may remove it.
func (s *Service) RemoveSignature(ctx context.Context, actor folio.Actor, documentID, section string) (*Response, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.WithDocument(logger.WithActor(ctx, actor.ID), documentID)

	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	dt, err := s.docType(doc.DocType)
	if err != nil {
		return nil, err
	}
	def := &dt.Workflow

	if slot, ok := def.SlotFor(def.Position(doc), section); ok {
		section = slot
	}
	updated, err := s.sigs.Remove(ctx, actor, documentID, section, func(cur *folio.Document) error {
		pos := def.Position(cur)
		if _, err := def.Transition(pos, folio.ActionSave, actor.Role); err != nil {
			return err
		}
		if slot, ok := def.SlotFor(pos, section); !ok || slot != section {
			return &SlotError{State: cur.State, Section: section}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "signature removed", "event_type", "signature_removed", "section", section)
	return &Response{
		Success:  true,
		ID:       updated.ID,
		NewState: updated.State,
		Round:    updated.Round,
		Version:  updated.Version,
		Message:  fmt.Sprintf("signature %s removed", section),
	}, nil
}

// Regenerate re-renders a document and republishes the artifact for
// category. Only privileged actors may regenerate, and only in a
// render-eligible state.
func (s *Service) Regenerate(ctx context.Context, actor folio.Actor, documentID, category string) (*Response, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.WithDocument(logger.WithActor(ctx, actor.ID), documentID)

	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	dt, err := s.docType(doc.DocType)
	if err != nil {
		return nil, err
	}
	def := &dt.Workflow

	if !actor.Role.IsPrivileged() {
		return nil, &workflow.AuthorizationError{State: doc.State, Action: ActionRender, Role: actor.Role, Allowed: folio.RoleAdmin}
	}
	if !def.RenderEligible(doc.State) {
		return nil, &workflow.InvalidActionError{State: doc.State, Action: ActionRender}
	}
	if category == "" {
		category = def.DefaultCategory
	}

	path, err := s.render(ctx, actor, doc, dt, category)
	if err != nil {
		return nil, err
	}
	return &Response{
		Success:  true,
		ID:       doc.ID,
		NewState: doc.State,
		Round:    doc.Round,
		Version:  doc.Version,
		Artifact: path,
		Message:  fmt.Sprintf("%s artifact regenerated", category),
	}, nil
}

// Preview renders the current persisted snapshot without publishing it.
func (s *Service) Preview(ctx context.Context, documentID string) (*render.Result, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	dt, err := s.docType(doc.DocType)
	if err != nil {
		return nil, err
	}
	return s.renderSnapshot(ctx, doc, dt)
}

func (s *Service) renderSnapshot(ctx context.Context, doc *folio.Document, dt *doctype.Type) (*render.Result, error) {
	sigs, err := s.repo.Signatures(ctx, doc.ID)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(sigs))
	for slot, sig := range sigs {
		paths[slot] = sig.Path
	}
	labels := make(map[string]string, len(doc.Fields))
	for key := range doc.Fields {
		labels[key] = dt.LabelFor(key)
	}

	snap := render.Snapshot{
		DocumentID:  doc.ID,
		Fields:      doc.Fields,
		Signatures:  paths,
		Labels:      labels,
		GeneratedAt: time.UnixMilli(doc.UpdatedAtMs).UTC(),
	}
	res, err := s.renderer.Render(ctx, snap, &dt.Template)
	if err != nil {
		return nil, err
	}
	for _, p := range res.Problems {
		s.metrics.RenderProblems.WithLabelValues(p.Kind).Inc()
	}
	return res, nil
}

// render draws the persisted snapshot and publishes it under category.
func (s *Service) render(ctx context.Context, actor folio.Actor, doc *folio.Document, dt *doctype.Type, category string) (string, error) {
	start := time.Now()
	defer func() {
		s.metrics.RenderDuration.WithLabelValues(dt.Name).Observe(time.Since(start).Seconds())
	}()

	res, err := s.renderSnapshot(ctx, doc, dt)
	if err == nil && len(res.Bytes) == 0 {
		err = errors.New("renderer produced no output")
	}
	if err != nil {
		s.metrics.Renders.WithLabelValues(dt.Name, "failed").Inc()
		return "", err
	}

	path, err := s.catalog.Publish(ctx, doc.ID, category, res.Bytes, actor)
	if err != nil {
		s.metrics.Renders.WithLabelValues(dt.Name, "failed").Inc()
		return "", err
	}

	outcome := "clean"
	if len(res.Problems) > 0 {
		outcome = "partial"
	}
	s.metrics.Renders.WithLabelValues(dt.Name, outcome).Inc()
	logger.Info(ctx, "artifact rendered",
		"event_type", "artifact_rendered",
		"category", category,
		"pages", res.Pages,
		"problems", len(res.Problems))
	return path, nil
}

// View is a document with its signatures, artifacts and what the current
// stage still needs.
type View struct {
	Document       *folio.Document            `json:"document"`
	Signatures     map[string]folio.Signature `json:"signatures"`
	Artifacts      []*folio.Artifact          `json:"artifacts"`
	AuthorizedRole folio.Role                 `json:"authorized_role,omitempty"`
	Required       workflow.Requirements      `json:"required"`
}

// Get loads a document view.
func (s *Service) Get(ctx context.Context, documentID string) (*View, error) {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	dt, err := s.docType(doc.DocType)
	if err != nil {
		return nil, err
	}
	sigs, err := s.repo.Signatures(ctx, documentID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.catalog.Latest(ctx, documentID)
	if err != nil {
		return nil, err
	}

	v := &View{Document: doc, Signatures: sigs, Artifacts: artifacts}
	if doc.State != dt.Workflow.Terminal {
		pos := dt.Workflow.Position(doc)
		v.AuthorizedRole, _ = dt.Workflow.AuthorizedRole(doc.State)
		v.Required, _ = dt.Workflow.RequiredFor(pos)
	}
	return v, nil
}

// List returns documents matching filter.
func (s *Service) List(ctx context.Context, filter folio.ListFilter) ([]*folio.Document, error) {
	return s.repo.ListDocuments(ctx, filter)
}

// Artifact returns the current artifact of a category with its bytes.
func (s *Service) Artifact(ctx context.Context, documentID, category string) (*folio.Artifact, []byte, error) {
	return s.catalog.Open(ctx, documentID, category)
}

// Ping checks the repository connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Document loads a document without its signatures or artifacts.
func (s *Service) Document(ctx context.Context, documentID string) (*folio.Document, error) {
	return s.repo.GetDocument(ctx, documentID)
}
