package workflow

import (
	"fmt"
	"strings"

	"github.com/dyluth/folio/internal/fields"
	"github.com/dyluth/folio/pkg/folio"
)

// Position locates a document in its workflow. Round is 1-based inside a
// round chain and 0 elsewhere; Rounds is the configured round count.
type Position struct {
	State  folio.State
	Round  int
	Rounds int
}

// StepKind classifies a resolved transition.
type StepKind string

const (
	// StepSave persists fields without leaving the stage.
	StepSave StepKind = "save"

	// StepAdvance moves forward to the next stage.
	StepAdvance StepKind = "advance"

	// StepRepeat completes a round and starts the next one.
	StepRepeat StepKind = "repeat"

	// StepReopen moves a terminal document back into an editable stage.
	StepReopen StepKind = "reopen"
)

// Step is the outcome of Transition.
type Step struct {
	From     folio.State
	To       folio.State
	Kind     StepKind
	Round    int    // Round of the target position
	Category string // Set on reopen steps
}

// Moves reports whether the step changes the stage.
func (s Step) Moves() bool {
	return s.Kind != StepSave
}

// Requirements lists what must be present before a stage can complete.
type Requirements struct {
	Fields     []string
	Signatures []string
}

// AuthorizedRole returns the single role allowed to write in a state.
func (d *Definition) AuthorizedRole(state folio.State) (folio.Role, error) {
	st, ok := d.State(state)
	if !ok {
		return "", fmt.Errorf("unknown state %q", state)
	}
	if state == d.Terminal {
		return "", fmt.Errorf("terminal state %s is read-only", state)
	}
	return st.Role, nil
}

// roundOf returns the effective round for storage naming at pos.
func (d *Definition) roundOf(pos Position) int {
	if pos.Round > 0 && d.InRound(pos.State) {
		return pos.Round
	}
	return 0
}

// RequiredFor returns the stored names of the fields and signature slots a
// stage requires, scoped to the current round.
func (d *Definition) RequiredFor(pos Position) (Requirements, error) {
	st, ok := d.State(pos.State)
	if !ok {
		return Requirements{}, fmt.Errorf("unknown state %q", pos.State)
	}
	round := d.roundOf(pos)

	req := Requirements{
		Fields:     make([]string, len(st.Required)),
		Signatures: make([]string, len(st.Signatures)),
	}
	for i, f := range st.Required {
		req.Fields[i] = fields.RoundKey(f, round)
	}
	for i, s := range st.Signatures {
		req.Signatures[i] = fields.RoundKey(s, round)
	}
	return req, nil
}

// SignatureSlots returns every signature slot a stage accepts, scoped to the
// current round.
func (d *Definition) SignatureSlots(pos Position) []string {
	req, err := d.RequiredFor(pos)
	if err != nil {
		return nil
	}
	return req.Signatures
}

// SlotFor resolves a submitted signature section to the slot it is stored
// under at pos. Inside a round the bare slot name is accepted as well as its
// round key.
func (d *Definition) SlotFor(pos Position, section string) (string, bool) {
	st, ok := d.State(pos.State)
	if !ok {
		return "", false
	}
	round := d.roundOf(pos)
	for _, name := range st.Signatures {
		key := fields.RoundKey(name, round)
		if section == key || section == name {
			return key, true
		}
	}
	return "", false
}

// StageSchema restricts a document schema to the fields writable in a stage.
func (d *Definition) StageSchema(schema fields.Schema, pos Position) fields.Schema {
	st, ok := d.State(pos.State)
	if !ok {
		return nil
	}
	return schema.Scoped(st.Fields, d.roundOf(pos))
}

// StageKey names a stage for completion bookkeeping.
func (d *Definition) StageKey(pos Position) string {
	return fields.RoundKey(string(pos.State), d.roundOf(pos))
}

// ValidateCompletion returns the first missing requirement of a stage. Fields
// are checked before signatures, each in declaration order.
func (d *Definition) ValidateCompletion(pos Position, record folio.Record, present map[string]bool) error {
	req, err := d.RequiredFor(pos)
	if err != nil {
		return err
	}

	for _, name := range req.Fields {
		if !hasValue(record[name]) {
			return &MissingFieldError{State: pos.State, Field: name}
		}
	}
	for _, slot := range req.Signatures {
		if !present[slot] {
			return &MissingSignatureError{State: pos.State, Slot: slot}
		}
	}
	return nil
}

// hasValue reports whether a canonical value satisfies a requirement.
// Required checkboxes must be ticked; zero is a valid number.
func hasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case bool:
		return t
	default:
		return true
	}
}

// Transition resolves what an action does from a position. Whether the
// action exists is decided first, then whether the role may take it; content
// is never inspected here.
func (d *Definition) Transition(pos Position, action folio.Action, role folio.Role) (Step, error) {
	st, ok := d.State(pos.State)
	if !ok {
		return Step{}, fmt.Errorf("unknown state %q", pos.State)
	}

	if pos.State == d.Terminal {
		for _, r := range d.Reopens {
			if r.From != pos.State || r.Action != action {
				continue
			}
			if role != r.Role {
				return Step{}, &AuthorizationError{State: pos.State, Action: action, Role: role, Allowed: r.Role}
			}
			step := Step{From: pos.State, To: r.To, Kind: StepReopen, Category: r.Category}
			if d.InRound(r.To) {
				// Reopened rounds resume at the last configured round
				step.Round = max(pos.Rounds, 1)
			}
			return step, nil
		}
		return Step{}, &InvalidActionError{State: pos.State, Action: action}
	}

	var step Step
	switch {
	case action == folio.ActionSave:
		step = Step{From: pos.State, To: pos.State, Kind: StepSave, Round: pos.Round}
	case action == folio.ActionSubmit && st.Round != nil:
		if pos.Round < pos.Rounds {
			step = Step{From: pos.State, To: st.Round.Repeat, Kind: StepRepeat, Round: pos.Round + 1}
		} else {
			step = Step{From: pos.State, To: st.Round.Exit, Kind: StepAdvance}
			if d.InRound(st.Round.Exit) {
				step.Round = pos.Round
			}
		}
	default:
		next, ok := st.Transitions[action]
		if !ok {
			return Step{}, &InvalidActionError{State: pos.State, Action: action}
		}
		step = Step{From: pos.State, To: next, Kind: StepAdvance}
		if d.InRound(next) {
			step.Round = max(pos.Round, 1)
		}
	}

	if role != st.Role {
		return Step{}, &AuthorizationError{State: pos.State, Action: action, Role: role, Allowed: st.Role}
	}
	return step, nil
}
