package folio

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document or catalog row does not exist.
var ErrNotFound = errors.New("not found")

// ConflictError indicates the document moved on since the caller's view was
// taken. The caller must reload and retry.
type ConflictError struct {
	DocumentID string
	Expected   State
	Actual     State
}

func (e *ConflictError) Error() string {
	if e.Expected == "" && e.Actual == "" {
		return fmt.Sprintf("document %s was modified concurrently; reload and retry", e.DocumentID)
	}
	return fmt.Sprintf("document %s is in state %q, expected %q; reload and retry", e.DocumentID, e.Actual, e.Expected)
}

// PersistenceError wraps a relational or storage failure. The enclosing
// transaction has been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
