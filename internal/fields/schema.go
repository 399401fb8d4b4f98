// Package fields converts loosely-typed submitted values into canonical,
// typed field records.
package fields

import (
	"fmt"
	"strings"
)

// Type is the declared type of a field.
type Type string

const (
	TypeText      Type = "text"
	TypeNarrative Type = "narrative"
	TypeDate      Type = "date"
	TypeBool      Type = "bool"
	TypeNumber    Type = "number"
	TypeTotal     Type = "total"
)

// Validate checks if the Type is a known enum value.
func (t Type) Validate() error {
	switch t {
	case TypeText, TypeNarrative, TypeDate, TypeBool, TypeNumber, TypeTotal:
		return nil
	default:
		return fmt.Errorf("unknown field type: %q", t)
	}
}

// Field declares one canonical field.
type Field struct {
	Name  string   `yaml:"name"`
	Type  Type     `yaml:"type"`
	Label string   `yaml:"label,omitempty"`
	SumOf []string `yaml:"sum_of,omitempty"` // Only for totals: parts summed into this field

	// Alias is the input key accepted for a round-scoped field (its bare
	// declared name). Empty outside round stages.
	Alias string `yaml:"-"`
}

// Schema is the ordered field declaration of one document type.
type Schema []Field

// Validate checks names are unique and types known.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s))
	for _, f := range s {
		if f.Name == "" {
			return fmt.Errorf("field name cannot be empty")
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return fmt.Errorf("duplicate field %q (names are case-insensitive)", f.Name)
		}
		seen[key] = true
		if err := f.Type.Validate(); err != nil {
			return fmt.Errorf("field %q: %w", f.Name, err)
		}
		if len(f.SumOf) > 0 && f.Type != TypeTotal {
			return fmt.Errorf("field %q: sum_of is only valid on total fields", f.Name)
		}
	}
	for _, f := range s {
		for _, part := range f.SumOf {
			if !seen[strings.ToLower(part)] {
				return fmt.Errorf("field %q: sum_of references unknown field %q", f.Name, part)
			}
		}
	}
	return nil
}

// Lookup returns the field with the given name (case-insensitive).
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// Names returns the canonical field names in declaration order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// RoundKey returns the canonical storage name of a field or signature slot
// inside a round stage. Outside rounds (round <= 0) the name is unchanged.
func RoundKey(name string, round int) string {
	if round <= 0 {
		return name
	}
	return fmt.Sprintf("%s_r%d", name, round)
}

// Scoped restricts the schema to the named fields, in schema order. Inside a
// round stage (round > 0) every field is renamed to its round key and keeps
// its bare name as input alias; total parts are renamed the same way.
// Unknown names are ignored.
func (s Schema) Scoped(names []string, round int) Schema {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}

	out := make(Schema, 0, len(names))
	for _, f := range s {
		if !want[strings.ToLower(f.Name)] {
			continue
		}
		if round > 0 {
			f.Alias = f.Name
			f.Name = RoundKey(f.Name, round)
			if len(f.SumOf) > 0 {
				parts := make([]string, len(f.SumOf))
				for i, p := range f.SumOf {
					parts[i] = RoundKey(p, round)
				}
				f.SumOf = parts
			}
		}
		out = append(out, f)
	}
	return out
}

// Resolve maps a stored record key back to its declared field. Round keys
// (name_rN) resolve to the declared base field.
func (s Schema) Resolve(key string) (Field, bool) {
	if f, ok := s.Lookup(key); ok {
		return f, true
	}
	if i := strings.LastIndex(key, "_r"); i > 0 && isDigits(key[i+2:]) {
		if f, ok := s.Lookup(key[:i]); ok {
			return f, true
		}
	}
	return Field{}, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
