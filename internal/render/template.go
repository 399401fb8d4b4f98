package render

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template is the fixed layout of one document type. It is versioned and
// read-only: renders never modify it.
type Template struct {
	Name       string              `yaml:"name"`
	Version    int                 `yaml:"version"`
	Page       PageSpec            `yaml:"page"`
	Pages      int                 `yaml:"pages"`
	Background string              `yaml:"background,omitempty"` // PDF whose pages are drawn under the content
	Font       FontSpec            `yaml:"font"`
	Static     []StaticText        `yaml:"static,omitempty"`
	Fields     map[string]FieldBox `yaml:"fields,omitempty"`
	Anchors    map[string]Anchor   `yaml:"anchors,omitempty"`
	Images     map[string]ImageBox `yaml:"images,omitempty"`
	Continue   Continuation        `yaml:"continuation,omitempty"`

	// BackgroundData holds the loaded background PDF.
	BackgroundData []byte `yaml:"-"`
}

// PageSpec selects the page format.
type PageSpec struct {
	Size        string `yaml:"size"`        // A4, Letter, Legal...
	Orientation string `yaml:"orientation"` // P or L
}

// FontSpec is the default font.
type FontSpec struct {
	Family string  `yaml:"family"`
	Size   float64 `yaml:"size"`
}

// StaticText is fixed text printed on every render.
type StaticText struct {
	Page  int     `yaml:"page"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Text  string  `yaml:"text"`
	Size  float64 `yaml:"size,omitempty"`
	Style string  `yaml:"style,omitempty"` // "", "B", "I", "BI"
}

// FieldBox is a fixed-size field placement. Text that does not fit is
// shrunk down to MinSize.
type FieldBox struct {
	Page    int     `yaml:"page"`
	X       float64 `yaml:"x"`
	Y       float64 `yaml:"y"`
	Width   float64 `yaml:"width"`
	Height  float64 `yaml:"height"`
	Size    float64 `yaml:"size,omitempty"`
	MinSize float64 `yaml:"min_size,omitempty"`
	Align   string  `yaml:"align,omitempty"` // L, C, R
	Check   bool    `yaml:"check,omitempty"` // Draw an X for true values instead of the text
}

// Anchor is a free-form box for unbounded narrative text.
type Anchor struct {
	Page         int     `yaml:"page"`
	X            float64 `yaml:"x"`
	Y            float64 `yaml:"y"`
	MaxWidth     float64 `yaml:"max_width"`
	MaxHeight    float64 `yaml:"max_height,omitempty"` // 0 = to the bottom margin
	FontSize     float64 `yaml:"font_size,omitempty"`
	LineHeight   float64 `yaml:"line_height,omitempty"`
	ParagraphGap float64 `yaml:"paragraph_gap,omitempty"`
}

// ImageBox is where a signature image is drawn. The image is stretched to
// exactly Width x Height; aspect ratio is not preserved.
type ImageBox struct {
	Page   int     `yaml:"page"`
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// Continuation describes pages appended for anchor text that overflows.
type Continuation struct {
	Top    float64 `yaml:"top,omitempty"`
	Bottom float64 `yaml:"bottom,omitempty"`
	Left   float64 `yaml:"left,omitempty"`
	Right  float64 `yaml:"right,omitempty"`
	Header string  `yaml:"header,omitempty"` // %s is replaced by the field label
}

// Validate checks the template and applies defaults.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template name cannot be empty")
	}
	if t.Version < 1 {
		t.Version = 1
	}
	if t.Page.Size == "" {
		t.Page.Size = "Letter"
	}
	switch strings.ToUpper(t.Page.Orientation) {
	case "", "P", "PORTRAIT":
		t.Page.Orientation = "P"
	case "L", "LANDSCAPE":
		t.Page.Orientation = "L"
	default:
		return fmt.Errorf("template %s: invalid orientation %q", t.Name, t.Page.Orientation)
	}
	if t.Pages < 1 {
		t.Pages = 1
	}
	if t.Font.Family == "" {
		t.Font.Family = "Helvetica"
	}
	if t.Font.Size <= 0 {
		t.Font.Size = 10
	}

	for _, s := range t.Static {
		if err := t.checkPage("static text", s.Page); err != nil {
			return err
		}
	}
	for name, f := range t.Fields {
		if err := t.checkPage("field "+name, f.Page); err != nil {
			return err
		}
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("template %s: field %s needs a positive width and height", t.Name, name)
		}
		if f.Size <= 0 {
			f.Size = t.Font.Size
		}
		if f.MinSize <= 0 || f.MinSize > f.Size {
			f.MinSize = min(4, f.Size)
		}
		switch f.Align {
		case "":
			f.Align = "L"
		case "L", "C", "R":
		default:
			return fmt.Errorf("template %s: field %s: invalid align %q", t.Name, name, f.Align)
		}
		t.Fields[name] = f
	}
	for name, a := range t.Anchors {
		if err := t.checkPage("anchor "+name, a.Page); err != nil {
			return err
		}
		if a.MaxWidth <= 0 {
			return fmt.Errorf("template %s: anchor %s needs a positive max_width", t.Name, name)
		}
		if _, clash := t.Fields[name]; clash {
			return fmt.Errorf("template %s: %s is both a field and an anchor", t.Name, name)
		}
		if a.FontSize <= 0 {
			a.FontSize = t.Font.Size
		}
		if a.LineHeight <= 0 {
			a.LineHeight = a.FontSize * 1.25
		}
		if a.ParagraphGap <= 0 {
			a.ParagraphGap = a.LineHeight / 2
		}
		t.Anchors[name] = a
	}
	for slot, img := range t.Images {
		if err := t.checkPage("image "+slot, img.Page); err != nil {
			return err
		}
		if img.Width <= 0 || img.Height <= 0 {
			return fmt.Errorf("template %s: image %s needs a positive width and height", t.Name, slot)
		}
	}

	if t.Continue.Top <= 0 {
		t.Continue.Top = 54
	}
	if t.Continue.Bottom <= 0 {
		t.Continue.Bottom = 54
	}
	if t.Continue.Left <= 0 {
		t.Continue.Left = 54
	}
	if t.Continue.Right <= 0 {
		t.Continue.Right = 54
	}
	if t.Continue.Header == "" {
		t.Continue.Header = "%s (continued)"
	}
	return nil
}

func (t *Template) checkPage(what string, page int) error {
	if page < 1 || page > t.Pages {
		return fmt.Errorf("template %s: %s is on page %d, template has %d pages", t.Name, what, page, t.Pages)
	}
	return nil
}

// Slots returns every field, anchor and image name the template places.
func (t *Template) Slots() map[string]bool {
	slots := make(map[string]bool, len(t.Fields)+len(t.Anchors)+len(t.Images))
	for name := range t.Fields {
		slots[name] = true
	}
	for name := range t.Anchors {
		slots[name] = true
	}
	for name := range t.Images {
		slots[name] = true
	}
	return slots
}

// LoadTemplate reads a standalone template descriptor.
func LoadTemplate(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}
	var tpl Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("failed to parse template YAML: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	return &tpl, nil
}
