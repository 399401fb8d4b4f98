// Package folio provides the shared record types and Redis schema patterns for
// staged, multi-party document authoring. The server, the CLI and the storage
// adapters all exchange these structures.
//
// All Redis keys and channels are namespaced so that several Folio deployments
// can share one Redis server.
package folio

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies which party is acting on a document.
type Role string

const (
	// RoleSubject is the person the document is about (employee, student).
	RoleSubject Role = "subject"

	// RoleCounterparty is the verifying party (employer, supervisor, verifier).
	RoleCounterparty Role = "counterparty"

	// RoleAdmin is the privileged operator allowed to re-open terminal documents.
	RoleAdmin Role = "admin"
)

// Validate checks if the Role is a known enum value.
func (r Role) Validate() error {
	switch r {
	case RoleSubject, RoleCounterparty, RoleAdmin:
		return nil
	default:
		return fmt.Errorf("unknown role: %q", r)
	}
}

// IsPrivileged reports whether the role may force re-open transitions.
func (r Role) IsPrivileged() bool {
	return r == RoleAdmin
}

// State is the name of a workflow stage. The valid set is declared per
// document type by its workflow definition.
type State string

func (s State) String() string { return string(s) }

// Action discriminates what a save/transition request asks for.
type Action string

const (
	// ActionSave persists the submitted fields without advancing the stage.
	ActionSave Action = "save"

	// ActionSubmit validates the stage and advances to the next one.
	ActionSubmit Action = "submit"
)

// Record is a canonical field record: values are string (text and dates as
// YYYY-MM-DD), bool, float64 or nil.
type Record map[string]any

// Clone returns a shallow copy of the record. Values are immutable scalars.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge writes every key of other into r, overwriting existing values.
func (r Record) Merge(other Record) {
	for k, v := range other {
		r[k] = v
	}
}

// Actor is the resolved identity performing an operation. It is passed
// explicitly into every engine and rendering call.
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	OrgID string `json:"org_id,omitempty"`
}

// Validate checks that the actor carries an identity and a known role.
func (a Actor) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("actor ID cannot be empty")
	}
	if err := a.Role.Validate(); err != nil {
		return fmt.Errorf("invalid actor role: %w", err)
	}
	return nil
}

// Document is one document instance being authored.
type Document struct {
	ID              string           `json:"id"`                         // UUID
	DocType         string           `json:"doc_type"`                   // Registered document type name
	SubjectID       string           `json:"subject_id"`                 // Owning subject identity
	OrgID           string           `json:"org_id"`                     // Organization / tenant
	State           State            `json:"state"`                      // Current workflow stage
	Round           int              `json:"round"`                      // Current round (0 outside round stages)
	Rounds          int              `json:"rounds"`                     // Configured rounds for this instance (0 = definition default)
	Fields          Record           `json:"fields"`                     // Canonical field values
	Completed       map[string]int64 `json:"completed"`                  // Stage key -> completion time (ms)
	PendingCategory string           `json:"pending_category,omitempty"` // Category for the next terminal render
	Version         int              `json:"version"`                    // Incremented on every persisted mutation
	CreatedBy       string           `json:"created_by"`
	CreatedAtMs     int64            `json:"created_at_ms"`
	UpdatedBy       string           `json:"updated_by"`
	UpdatedAtMs     int64            `json:"updated_at_ms"`
}

// Clone returns a deep copy of the document suitable for mutation.
func (d *Document) Clone() *Document {
	cp := *d
	cp.Fields = d.Fields.Clone()
	cp.Completed = make(map[string]int64, len(d.Completed))
	for k, v := range d.Completed {
		cp.Completed[k] = v
	}
	return &cp
}

// Validate checks if the Document has valid field values.
func (d *Document) Validate() error {
	if !isValidUUID(d.ID) {
		return fmt.Errorf("invalid document ID: not a valid UUID")
	}
	if d.DocType == "" {
		return fmt.Errorf("doc_type cannot be empty")
	}
	if d.SubjectID == "" {
		return fmt.Errorf("subject_id cannot be empty")
	}
	if d.State == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if d.Round < 0 || d.Rounds < 0 {
		return fmt.Errorf("invalid round counters: round=%d rounds=%d", d.Round, d.Rounds)
	}
	if d.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", d.Version)
	}
	return nil
}

// Signature is the current raster signature for one section of a document.
type Signature struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	SectionKey   string `json:"section_key"`
	Role         Role   `json:"role"`
	Path         string `json:"path"`
	CapturedAtMs int64  `json:"captured_at_ms"`
	CapturedBy   string `json:"captured_by"`
}

// Validate checks if the Signature has valid field values.
func (s *Signature) Validate() error {
	if !isValidUUID(s.ID) {
		return fmt.Errorf("invalid signature ID: not a valid UUID")
	}
	if !isValidUUID(s.DocumentID) {
		return fmt.Errorf("invalid document ID: not a valid UUID")
	}
	if s.SectionKey == "" {
		return fmt.Errorf("section_key cannot be empty")
	}
	if s.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return s.Role.Validate()
}

// CategoryMetaKey is the metadata key that carries an artifact's category tag.
// The catalog looks artifacts up by this descriptive value.
const CategoryMetaKey = "category"

// Artifact is a catalog row for a rendered document.
type Artifact struct {
	ID            string            `json:"id"`
	DocumentID    string            `json:"document_id"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`
	Path          string            `json:"path"`
	GeneratedAtMs int64             `json:"generated_at_ms"`
	GeneratedBy   string            `json:"generated_by"`
}

// Category returns the category tag stored in the artifact metadata.
func (a *Artifact) Category() string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata[CategoryMetaKey]
}

// Validate checks if the Artifact has valid field values.
func (a *Artifact) Validate() error {
	if !isValidUUID(a.ID) {
		return fmt.Errorf("invalid artifact ID: not a valid UUID")
	}
	if !isValidUUID(a.DocumentID) {
		return fmt.Errorf("invalid document ID: not a valid UUID")
	}
	if a.Category() == "" {
		return fmt.Errorf("artifact metadata must carry a %q tag", CategoryMetaKey)
	}
	if a.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	return nil
}

// Mutation is what a locked update wants persisted atomically.
type Mutation struct {
	Document   *Document   // Replacement document row
	Signatures []Signature // Signature rows to upsert (keyed by section)
	Removed    []string    // Section keys whose signature rows are deleted
}

// LockFunc runs while the document row is exclusively held. It receives the
// current row and signatures and returns the mutation to commit, or an error
// to abort without writing anything.
type LockFunc func(doc *Document, sigs map[string]Signature) (*Mutation, error)

// ListFilter narrows document listings. Zero values match everything.
type ListFilter struct {
	DocType   string
	State     State
	OrgID     string
	SubjectID string
}

// Matches returns true if the document matches all filter criteria.
func (f ListFilter) Matches(d *Document) bool {
	if f.DocType != "" && d.DocType != f.DocType {
		return false
	}
	if f.State != "" && d.State != f.State {
		return false
	}
	if f.OrgID != "" && d.OrgID != f.OrgID {
		return false
	}
	if f.SubjectID != "" && d.SubjectID != f.SubjectID {
		return false
	}
	return true
}

// Event is published after every committed document mutation.
type Event struct {
	DocumentID string `json:"document_id"`
	DocType    string `json:"doc_type"`
	FromState  State  `json:"from_state"`
	ToState    State  `json:"to_state"`
	Round      int    `json:"round"`
	Version    int    `json:"version"`
	ActorID    string `json:"actor_id"`
	AtMs       int64  `json:"at_ms"`
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
