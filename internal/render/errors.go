package render

import (
	"errors"
	"fmt"
)

// RenderError describes one element that could not be drawn. Renders are
// best-effort: a RenderError is logged and collected, never fatal.
type RenderError struct {
	Kind   string // field, anchor, image, background or flatten
	Target string
	Err    error
}

func (e *RenderError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("render %s failed: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("render %s %q failed: %v", e.Kind, e.Target, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// ErrNoTemplateSlot means a value has nowhere to go on the template.
var ErrNoTemplateSlot = errors.New("template has no slot of that name")
