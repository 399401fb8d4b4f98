// Package render draws a canonical field record onto a fixed template and
// produces PDF bytes.
package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/folio/internal/fields"
	"github.com/dyluth/folio/internal/layout"
	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/go-pdf/fpdf"
	"github.com/go-pdf/fpdf/contrib/gofpdi"
)

// ImageSource reads stored signature images.
type ImageSource interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Snapshot is the persisted state a render works from.
type Snapshot struct {
	DocumentID  string
	Fields      folio.Record
	Signatures  map[string]string // Section key -> stored image path
	Labels      map[string]string // Field name -> label for continuation headers
	GeneratedAt time.Time
}

// Result is the outcome of a render.
type Result struct {
	Bytes    []byte
	Pages    int
	Problems []*RenderError
	Anchors  map[string]layout.Result // Placed lines per anchor
}

// Renderer fills templates. It only reads: images come from the image source
// and the output is returned, never stored.
type Renderer struct {
	images ImageSource
}

// NewRenderer returns a renderer reading images from src.
func NewRenderer(src ImageSource) *Renderer {
	return &Renderer{images: src}
}

type job struct {
	ctx    context.Context
	pdf    *fpdf.Fpdf
	tpl    *Template
	snap   Snapshot
	images ImageSource
	tr     func(string) string
	res    *Result
	pageW  float64
	pageH  float64
}

// Render draws snap onto tpl. Individual fields, images and the background
// are best-effort: failures are logged and collected in Result.Problems. An
// error is returned only when rendering could not start.
func (r *Renderer) Render(ctx context.Context, snap Snapshot, tpl *Template) (*Result, error) {
	if tpl == nil {
		return nil, fmt.Errorf("template cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = logger.WithDocument(ctx, snap.DocumentID)

	pdf := fpdf.New(tpl.Page.Orientation, "pt", tpl.Page.Size, "")
	pdf.SetCatalogSort(true)
	pdf.SetCreationDate(snap.GeneratedAt)
	pdf.SetModificationDate(snap.GeneratedAt)
	pdf.SetTitle(tpl.Name, true)
	pdf.SetSubject(snap.DocumentID, true)
	pdf.SetCreator("folio", true)
	pdf.SetProducer(fmt.Sprintf("folio template %s v%d", tpl.Name, tpl.Version), true)
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("failed to start document: %w", err)
	}

	j := &job{
		ctx:    ctx,
		pdf:    pdf,
		tpl:    tpl,
		snap:   snap,
		images: r.images,
		tr:     pdf.UnicodeTranslatorFromDescriptor(""),
		res:    &Result{Anchors: make(map[string]layout.Result)},
	}
	j.pageW, j.pageH = pdf.GetPageSize()

	j.addTemplatePages()
	j.drawStatic()
	j.drawFields()
	j.drawImages()
	j.flatten()

	return j.res, nil
}

func (j *job) problem(kind, target string, err error) {
	re := &RenderError{Kind: kind, Target: target, Err: err}
	j.res.Problems = append(j.res.Problems, re)
	logger.Warn(j.ctx, "render problem", "kind", kind, "target", target, "error", err)
}

// settle records and clears a pending fpdf error so one bad element does not
// poison the rest of the document.
func (j *job) settle(kind, target string) {
	if j.pdf.Err() {
		j.problem(kind, target, j.pdf.Error())
		j.pdf.ClearError()
	}
}

func (j *job) addTemplatePages() {
	var imp *gofpdi.Importer
	if len(j.tpl.BackgroundData) > 0 {
		imp = gofpdi.NewImporter()
	}

	for page := 1; page <= j.tpl.Pages; page++ {
		j.pdf.AddPage()
		if imp != nil {
			j.drawBackground(imp, page)
		}
	}
}

func (j *job) drawBackground(imp *gofpdi.Importer, page int) {
	defer func() {
		// The importer panics on malformed input
		if p := recover(); p != nil {
			j.problem("background", fmt.Sprintf("page %d", page), fmt.Errorf("%v", p))
		}
	}()

	var rs io.ReadSeeker = bytes.NewReader(j.tpl.BackgroundData)
	tplID := imp.ImportPageFromStream(j.pdf, &rs, page, "/MediaBox")
	j.settle("background", fmt.Sprintf("page %d", page))
	imp.UseImportedTemplate(j.pdf, tplID, 0, 0, j.pageW, j.pageH)
	j.settle("background", fmt.Sprintf("page %d", page))
}

func (j *job) drawStatic() {
	for i, s := range j.tpl.Static {
		size := s.Size
		if size <= 0 {
			size = j.tpl.Font.Size
		}
		j.pdf.SetPage(s.Page)
		j.pdf.SetFont(j.tpl.Font.Family, s.Style, size)
		j.pdf.Text(s.X, s.Y, j.tr(s.Text))
		j.settle("static", fmt.Sprintf("#%d", i))
	}
}

// drawFields places every value of the record. Keys are visited in sorted
// order so output does not depend on map iteration.
func (j *job) drawFields() {
	names := make([]string, 0, len(j.snap.Fields))
	for name := range j.snap.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := j.snap.Fields[name]
		if box, ok := j.tpl.Fields[name]; ok {
			j.drawFixed(name, box, value)
			continue
		}
		if anchor, ok := j.tpl.Anchors[name]; ok {
			j.drawAnchor(name, anchor, fields.Format(value))
			continue
		}
		j.problem("field", name, ErrNoTemplateSlot)
	}
}

func (j *job) drawFixed(name string, box FieldBox, value any) {
	text := fields.Format(value)
	if box.Check {
		text = ""
		if b, ok := value.(bool); ok && b {
			text = "X"
		}
	}
	text = j.tr(strings.Join(strings.Fields(text), " "))
	if text == "" {
		return
	}

	size := box.Size
	j.pdf.SetPage(box.Page)
	j.pdf.SetFont(j.tpl.Font.Family, "", size)
	for size > box.MinSize && j.pdf.GetStringWidth(text) > box.Width {
		size = max(size-0.5, box.MinSize)
		j.pdf.SetFontSize(size)
	}
	j.pdf.SetXY(box.X, box.Y)
	j.pdf.CellFormat(box.Width, box.Height, text, "", 0, box.Align+"M", false, 0, "")
	j.settle("field", name)
}

func (j *job) drawAnchor(name string, a Anchor, text string) {
	j.pdf.SetFont(j.tpl.Font.Family, "", a.FontSize)
	measure := func(s string) float64 { return j.pdf.GetStringWidth(j.tr(s)) }

	maxHeight := a.MaxHeight
	if maxHeight <= 0 {
		maxHeight = j.pageH - j.tpl.Continue.Bottom - a.Y
	}
	first := layout.Frame{
		X: a.X, Y: a.Y, Width: a.MaxWidth, Height: maxHeight,
		LineHeight: a.LineHeight, ParagraphGap: a.ParagraphGap,
	}
	c := j.tpl.Continue
	headerH := a.LineHeight * 2
	// Continuation lines keep the anchor's width, bounded by the page margins
	next := layout.Frame{
		X:            c.Left,
		Y:            c.Top + headerH,
		Width:        min(a.MaxWidth, j.pageW-c.Left-c.Right),
		Height:       j.pageH - c.Top - c.Bottom - headerH,
		LineHeight:   a.LineHeight,
		ParagraphGap: a.ParagraphGap,
	}

	placed := layout.Flow(text, first, next, measure)
	j.res.Anchors[name] = placed

	pages := map[int]int{0: a.Page}
	for _, line := range placed.Lines {
		page, ok := pages[line.Frame]
		if !ok {
			page = j.continuationPage(name, a)
			pages[line.Frame] = page
		}
		j.pdf.SetPage(page)
		j.pdf.SetFont(j.tpl.Font.Family, "", a.FontSize)
		j.pdf.SetXY(line.X, line.Y)
		j.pdf.CellFormat(line.Width, a.LineHeight, j.tr(line.Text), "", 0, "LM", false, 0, "")
	}
	j.settle("anchor", name)
}

// continuationPage appends a page for overflowing anchor text and prints
// its header.
func (j *job) continuationPage(name string, a Anchor) int {
	label := name
	if l, ok := j.snap.Labels[name]; ok && l != "" {
		label = l
	}
	header := j.tpl.Continue.Header
	if strings.Contains(header, "%s") {
		header = fmt.Sprintf(header, label)
	}

	// AddPage continues from the current page, so move to the last one first
	j.pdf.SetPage(j.pdf.PageCount())
	j.pdf.AddPage()
	page := j.pdf.PageCount()
	j.pdf.SetFont(j.tpl.Font.Family, "B", a.FontSize)
	j.pdf.SetXY(j.tpl.Continue.Left, j.tpl.Continue.Top)
	j.pdf.CellFormat(j.pageW-j.tpl.Continue.Left-j.tpl.Continue.Right, a.LineHeight, j.tr(header), "", 0, "LM", false, 0, "")
	return page
}

func (j *job) drawImages() {
	slots := make([]string, 0, len(j.snap.Signatures))
	for slot := range j.snap.Signatures {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	for _, slot := range slots {
		box, ok := j.tpl.Images[slot]
		if !ok {
			j.problem("image", slot, ErrNoTemplateSlot)
			continue
		}
		j.drawImage(slot, box, j.snap.Signatures[slot])
	}
}

func (j *job) drawImage(slot string, box ImageBox, path string) {
	data, err := j.images.Read(j.ctx, path)
	if err != nil {
		j.problem("image", slot, err)
		return
	}

	var imageType string
	switch http.DetectContentType(data) {
	case "image/png":
		imageType = "PNG"
	case "image/jpeg":
		imageType = "JPG"
	case "image/gif":
		imageType = "GIF"
	default:
		j.problem("image", slot, fmt.Errorf("unsupported image content"))
		return
	}

	opts := fpdf.ImageOptions{ImageType: imageType}
	j.pdf.RegisterImageOptionsReader(path, opts, bytes.NewReader(data))
	if j.pdf.Err() {
		j.settle("image", slot)
		return
	}
	j.pdf.SetPage(box.Page)
	j.pdf.ImageOptions(path, box.X, box.Y, box.Width, box.Height, false, opts, 0, "")
	j.settle("image", slot)
}

// flatten serializes the document. Output refuses to write while an error is
// pending, so one left over is recorded and cleared first. A failure inside
// Output itself still yields whatever bytes were produced.
func (j *job) flatten() {
	j.res.Pages = j.pdf.PageCount()
	j.settle("flatten", "")

	var buf bytes.Buffer
	if err := j.pdf.Output(&buf); err != nil {
		j.problem("flatten", "", err)
	}
	j.res.Bytes = buf.Bytes()
}
