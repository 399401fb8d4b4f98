// Package doctype loads document type bundles. A bundle pairs the field
// schema of one document type with its workflow definition and template, so
// one generic engine can serve every form.
package doctype

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dyluth/folio/internal/fields"
	"github.com/dyluth/folio/internal/render"
	"github.com/dyluth/folio/internal/workflow"
	"gopkg.in/yaml.v3"
)

var roundSuffix = regexp.MustCompile(`_r[0-9]+$`)

// Type is one registered document type.
type Type struct {
	Name     string              `yaml:"name"`
	Title    string              `yaml:"title,omitempty"`
	Fields   fields.Schema       `yaml:"fields"`
	Workflow workflow.Definition `yaml:"workflow"`
	Template render.Template     `yaml:"template"`

	// Source is the bundle file the type was loaded from.
	Source string `yaml:"-"`
}

// Validate checks the bundle as a whole and applies defaults. Nested names
// default to the bundle name.
func (t *Type) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("document type name cannot be empty")
	}
	if t.Title == "" {
		t.Title = t.Name
	}
	if err := t.Fields.Validate(); err != nil {
		return fmt.Errorf("fields: %w", err)
	}

	if t.Workflow.Name == "" {
		t.Workflow.Name = t.Name
	}
	if err := t.Workflow.Validate(); err != nil {
		return err
	}
	if t.Template.Name == "" {
		t.Template.Name = t.Name
	}
	if err := t.Template.Validate(); err != nil {
		return err
	}

	slots := make(map[string]bool)
	for _, s := range t.Workflow.States {
		for _, f := range s.Fields {
			if _, ok := t.Fields.Lookup(f); !ok {
				return fmt.Errorf("state %s: unknown field %q", s.Name, f)
			}
		}
		for _, slot := range s.Signatures {
			slots[slot] = true
		}
	}

	for name := range t.Template.Fields {
		if _, ok := t.Fields.Resolve(name); !ok {
			return fmt.Errorf("template field %q is not a declared field", name)
		}
	}
	for name := range t.Template.Anchors {
		if _, ok := t.Fields.Resolve(name); !ok {
			return fmt.Errorf("template anchor %q is not a declared field", name)
		}
	}
	for slot := range t.Template.Images {
		if !slots[slot] && !slots[roundSuffix.ReplaceAllString(slot, "")] {
			return fmt.Errorf("template image %q is not a declared signature slot", slot)
		}
	}
	return nil
}

// Labels maps field names to their display labels.
func (t *Type) Labels() map[string]string {
	labels := make(map[string]string, len(t.Fields))
	for _, f := range t.Fields {
		if f.Label != "" {
			labels[f.Name] = f.Label
		}
	}
	return labels
}

// LabelFor returns the label of a stored record key, resolving round keys to
// their declared field.
func (t *Type) LabelFor(key string) string {
	f, ok := t.Fields.Resolve(key)
	if !ok || f.Label == "" {
		return key
	}
	if f.Name != key {
		return fmt.Sprintf("%s (%s)", f.Label, strings.TrimPrefix(key[len(f.Name):], "_"))
	}
	return f.Label
}

// LoadFile reads and validates one bundle. A relative template background is
// resolved against the bundle's directory.
func LoadFile(path string) (*Type, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var t Type
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document type in %s: %w", path, err)
	}
	t.Source = path

	if bg := t.Template.Background; bg != "" {
		if !filepath.IsAbs(bg) {
			bg = filepath.Join(filepath.Dir(path), bg)
		}
		t.Template.BackgroundData, err = os.ReadFile(bg)
		if err != nil {
			return nil, fmt.Errorf("failed to read template background for %s: %w", t.Name, err)
		}
	}
	return &t, nil
}

// sortTypes orders types by name.
func sortTypes(types []*Type) {
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })
}
