package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"

	"github.com/dyluth/folio/internal/engine"
	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/internal/server/middleware"
	"github.com/dyluth/folio/internal/signature"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/gin-gonic/gin"
)

type createBody struct {
	DocType   string         `json:"doc_type" binding:"required"`
	SubjectID string         `json:"subject_id"`
	OrgID     string         `json:"org_id"`
	Rounds    int            `json:"rounds"`
	Fields    map[string]any `json:"fields"`
}

type signatureBody struct {
	Section  string `json:"section" binding:"required"`
	Data     string `json:"data" binding:"required"` // Base64 or data URL
	MimeType string `json:"mime_type"`
}

type submitBody struct {
	Action        folio.Action    `json:"action"`
	Fields        map[string]any  `json:"fields"`
	Signatures    []signatureBody `json:"signatures"`
	ExpectedState folio.State     `json:"expected_state"`
}

type renderBody struct {
	Category string `json:"category"`
}

type docTypeView struct {
	Name    string      `json:"name"`
	Title   string      `json:"title"`
	Initial folio.State `json:"initial"`
	Rounds  int         `json:"rounds,omitempty"`
}

func actorOf(c *gin.Context) folio.Actor {
	actor, _ := middleware.GetActor(c)
	return actor
}

// document loads the document named by the path and checks the actor may
// see it. Invisible documents are reported as missing.
func (s *Server) document(c *gin.Context) (*folio.Document, bool) {
	id := c.Param("id")
	c.Request = c.Request.WithContext(logger.WithDocument(c.Request.Context(), id))
	doc, err := s.svc.Document(c.Request.Context(), id)
	if err != nil {
		s.fail(c, id, err)
		return nil, false
	}
	if !visible(actorOf(c), doc) {
		s.fail(c, id, folio.ErrNotFound)
		return nil, false
	}
	return doc, true
}

func (s *Server) listDocTypes(c *gin.Context) {
	types := s.types.List()
	out := make([]docTypeView, 0, len(types))
	for _, t := range types {
		out = append(out, docTypeView{
			Name:    t.Name,
			Title:   t.Title,
			Initial: t.Workflow.Initial,
			Rounds:  t.Workflow.Rounds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"doctypes": out})
}

func (s *Server) createDocument(c *gin.Context) {
	var body createBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, engine.Failure("", fmt.Errorf("invalid request body: %w", err)))
		return
	}

	resp, err := s.svc.Create(c.Request.Context(), actorOf(c), engine.CreateRequest{
		DocType:   body.DocType,
		SubjectID: body.SubjectID,
		OrgID:     body.OrgID,
		Rounds:    body.Rounds,
		Fields:    body.Fields,
	})
	if err != nil {
		s.fail(c, "", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) listDocuments(c *gin.Context) {
	filter := scope(actorOf(c), folio.ListFilter{
		DocType:   c.Query("doc_type"),
		State:     folio.State(c.Query("state")),
		OrgID:     c.Query("org_id"),
		SubjectID: c.Query("subject_id"),
	})
	docs, err := s.svc.List(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, "", err)
		return
	}
	if docs == nil {
		docs = []*folio.Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "total": len(docs)})
}

func (s *Server) getDocument(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}
	view, err := s.svc.Get(c.Request.Context(), doc.ID)
	if err != nil {
		s.fail(c, doc.ID, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) submitDocument(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}

	var req engine.Request
	var err error
	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		req, err = multipartSubmit(c)
	} else {
		req, err = jsonSubmit(c)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, engine.Failure(doc.ID, err))
		return
	}
	req.DocumentID = doc.ID

	resp, err := s.svc.Submit(c.Request.Context(), actorOf(c), req)
	if err != nil {
		s.fail(c, doc.ID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) removeSignature(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}
	resp, err := s.svc.RemoveSignature(c.Request.Context(), actorOf(c), doc.ID, c.Param("section"))
	if err != nil {
		s.fail(c, doc.ID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) previewDocument(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}
	res, err := s.svc.Preview(c.Request.Context(), doc.ID)
	if err != nil {
		s.fail(c, doc.ID, err)
		return
	}
	c.Header("X-Folio-Pages", fmt.Sprint(res.Pages))
	c.Header("X-Folio-Problems", fmt.Sprint(len(res.Problems)))
	c.Data(http.StatusOK, "application/pdf", res.Bytes)
}

func (s *Server) regenerate(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}
	var body renderBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, engine.Failure(doc.ID, fmt.Errorf("invalid request body: %w", err)))
			return
		}
	}
	resp, err := s.svc.Regenerate(c.Request.Context(), actorOf(c), doc.ID, body.Category)
	if err != nil {
		s.fail(c, doc.ID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listArtifacts(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}
	view, err := s.svc.Get(c.Request.Context(), doc.ID)
	if err != nil {
		s.fail(c, doc.ID, err)
		return
	}
	artifacts := view.Artifacts
	if artifacts == nil {
		artifacts = []*folio.Artifact{}
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": artifacts})
}

func (s *Server) downloadArtifact(c *gin.Context) {
	doc, ok := s.document(c)
	if !ok {
		return
	}
	a, data, err := s.svc.Artifact(c.Request.Context(), doc.ID, c.Param("category"))
	if err != nil {
		s.fail(c, doc.ID, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", a.ID+".pdf"))
	c.Data(http.StatusOK, "application/pdf", data)
}

func jsonSubmit(c *gin.Context) (engine.Request, error) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return engine.Request{}, fmt.Errorf("invalid request body: %w", err)
	}

	req := engine.Request{
		Action:        body.Action,
		Fields:        body.Fields,
		ExpectedState: body.ExpectedState,
	}
	for _, sb := range body.Signatures {
		image, mimeType, err := signature.DecodePayload(sb.Data)
		if err != nil {
			return engine.Request{}, fmt.Errorf("signature %s: %w", sb.Section, err)
		}
		if sb.MimeType != "" {
			mimeType = sb.MimeType
		}
		req.Signatures = append(req.Signatures, engine.SignaturePayload{
			Section:  sb.Section,
			Image:    image,
			MimeType: mimeType,
		})
	}
	return req, nil
}

// multipartSubmit reads a form submission: action and expected_state as
// values, fields[<name>] values, and one signatures[<section>] file part per
// raster image.
func multipartSubmit(c *gin.Context) (engine.Request, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return engine.Request{}, fmt.Errorf("invalid multipart body: %w", err)
	}

	req := engine.Request{
		Action:        folio.Action(c.PostForm("action")),
		ExpectedState: folio.State(c.PostForm("expected_state")),
	}
	if values := c.PostFormMap("fields"); len(values) > 0 {
		req.Fields = make(map[string]any, len(values))
		for k, v := range values {
			req.Fields[k] = v
		}
	}

	sections := make([]string, 0, len(form.File))
	for key := range form.File {
		if section, ok := formIndex(key, "signatures"); ok {
			sections = append(sections, section)
		}
	}
	sort.Strings(sections)

	for _, section := range sections {
		headers := form.File["signatures["+section+"]"]
		if len(headers) != 1 {
			return engine.Request{}, fmt.Errorf("signature %s: expected one file, got %d", section, len(headers))
		}
		image, err := readPart(headers[0])
		if err != nil {
			return engine.Request{}, fmt.Errorf("signature %s: %w", section, err)
		}
		mimeType := headers[0].Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(image)
		}
		req.Signatures = append(req.Signatures, engine.SignaturePayload{
			Section:  section,
			Image:    image,
			MimeType: mimeType,
		})
	}
	return req, nil
}

// formIndex extracts name from "<prefix>[name]".
func formIndex(key, prefix string) (string, bool) {
	if !strings.HasPrefix(key, prefix+"[") || !strings.HasSuffix(key, "]") {
		return "", false
	}
	name := key[len(prefix)+1 : len(key)-1]
	return name, name != ""
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
