package workflow

import (
	"errors"
	"fmt"

	"github.com/dyluth/folio/pkg/folio"
)

// ValidationError is implemented by errors that name a missing stage
// requirement. Content validation is fail-fast, so only the first missing
// item is ever reported.
type ValidationError interface {
	error
	Missing() string
}

// MissingFieldError indicates a required field has no usable value.
type MissingFieldError struct {
	State folio.State
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field %q is missing for stage %s", e.Field, e.State)
}

// Missing returns the name of the missing field.
func (e *MissingFieldError) Missing() string { return e.Field }

// MissingSignatureError indicates a required signature slot is empty.
type MissingSignatureError struct {
	State folio.State
	Slot  string
}

func (e *MissingSignatureError) Error() string {
	return fmt.Sprintf("signature %q is required for stage %s", e.Slot, e.State)
}

// Missing returns the missing signature slot.
func (e *MissingSignatureError) Missing() string { return e.Slot }

// AuthorizationError indicates the acting role may not perform the action in
// the current state.
type AuthorizationError struct {
	State   folio.State
	Action  folio.Action
	Role    folio.Role
	Allowed folio.Role
}

func (e *AuthorizationError) Error() string {
	if e.Allowed == "" {
		return fmt.Sprintf("role %s may not %s a document in stage %s", e.Role, e.Action, e.State)
	}
	return fmt.Sprintf("role %s may not %s a document in stage %s (only %s may)", e.Role, e.Action, e.State, e.Allowed)
}

// InvalidActionError indicates no transition is bound to the action in the
// current state.
type InvalidActionError struct {
	State  folio.State
	Action folio.Action
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("action %q is not available in stage %s", e.Action, e.State)
}

// IsValidation reports whether err names a missing stage requirement.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// IsAuthorization reports whether err is an *AuthorizationError.
func IsAuthorization(err error) bool {
	var a *AuthorizationError
	return errors.As(err, &a)
}

// IsInvalidAction reports whether err is an *InvalidActionError.
func IsInvalidAction(err error) bool {
	var a *InvalidActionError
	return errors.As(err, &a)
}
