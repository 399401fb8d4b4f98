package engine

import (
	"errors"
	"fmt"

	"github.com/dyluth/folio/internal/render"
	"github.com/dyluth/folio/internal/signature"
	"github.com/dyluth/folio/internal/workflow"
	"github.com/dyluth/folio/pkg/folio"
)

// The error taxonomy callers match with errors.As.
type (
	ValidationError    = workflow.ValidationError
	AuthorizationError = workflow.AuthorizationError
	InvalidActionError = workflow.InvalidActionError
	ConflictError      = folio.ConflictError
	PersistenceError   = folio.PersistenceError
	RenderError        = render.RenderError
)

// ErrUnknownDocType is returned for documents whose type is not registered.
var ErrUnknownDocType = errors.New("unknown document type")

// ErrInvalidRequest marks requests that are malformed regardless of state.
var ErrInvalidRequest = errors.New("invalid request")

// SlotError indicates a signature was sent for a section the current stage
// does not sign.
type SlotError struct {
	State   folio.State
	Section string
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("stage %s has no signature section %q", e.State, e.Section)
}

// Kind classifies an engine error for transport mapping.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindInvalidAction Kind = "invalid_action"
	KindConflict      Kind = "conflict"
	KindNotFound      Kind = "not_found"
	KindBadRequest    Kind = "bad_request"
	KindPersistence   Kind = "persistence"
	KindInternal      Kind = "internal"
)

// Classify returns the kind of err.
func Classify(err error) Kind {
	var slot *SlotError
	switch {
	case err == nil:
		return ""
	case workflow.IsAuthorization(err):
		return KindAuthorization
	case workflow.IsValidation(err):
		return KindValidation
	case workflow.IsInvalidAction(err):
		return KindInvalidAction
	case folio.IsConflict(err):
		return KindConflict
	case folio.IsNotFound(err), errors.Is(err, ErrUnknownDocType):
		return KindNotFound
	case signature.IsSize(err), signature.IsFormat(err), errors.As(err, &slot), errors.Is(err, signature.ErrNoSignature), errors.Is(err, ErrInvalidRequest):
		return KindBadRequest
	}
	var pe *folio.PersistenceError
	if errors.As(err, &pe) {
		return KindPersistence
	}
	return KindInternal
}
